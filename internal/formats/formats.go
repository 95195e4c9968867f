package formats

import (
	"mime"
	"sort"
	"strconv"
	"strings"
)

// Class is the coarse category of a requested output format. It decides which
// conversion policy applies.
type Class int

const (
	VideoOrOther Class = iota
	Audio
	Image
)

func (c Class) String() string {
	switch c {
	case Audio:
		return "audio"
	case Image:
		return "image"
	default:
		return "video"
	}
}

// AudioCodec is forced on every audio conversion. Its native container is mp3.
const (
	AudioCodec      = "libmp3lame"
	audioNativeExt  = "mp3"
	imageFrameCount = 1
)

// Spec describes one known output extension.
type Spec struct {
	Ext         string
	Class       Class
	Muxer       string
	ContentType string
}

var table = map[string]Spec{
	"mp3":  {Ext: "mp3", Class: Audio, Muxer: "mp3", ContentType: "audio/mpeg"},
	"wav":  {Ext: "wav", Class: Audio, Muxer: "wav", ContentType: "audio/wav"},
	"ogg":  {Ext: "ogg", Class: Audio, Muxer: "ogg", ContentType: "audio/ogg"},
	"flac": {Ext: "flac", Class: Audio, Muxer: "flac", ContentType: "audio/flac"},
	"aac":  {Ext: "aac", Class: Audio, Muxer: "adts", ContentType: "audio/aac"},
	"m4a":  {Ext: "m4a", Class: Audio, Muxer: "ipod", ContentType: "audio/mp4"},
	"alac": {Ext: "alac", Class: Audio, Muxer: "ipod", ContentType: "audio/mp4"},
	"opus": {Ext: "opus", Class: Audio, Muxer: "opus", ContentType: "audio/opus"},
	"amr":  {Ext: "amr", Class: Audio, Muxer: "amr", ContentType: "audio/amr"},

	"png":  {Ext: "png", Class: Image, ContentType: "image/png"},
	"jpg":  {Ext: "jpg", Class: Image, ContentType: "image/jpeg"},
	"jpeg": {Ext: "jpeg", Class: Image, ContentType: "image/jpeg"},
	"webp": {Ext: "webp", Class: Image, ContentType: "image/webp"},
	"bmp":  {Ext: "bmp", Class: Image, ContentType: "image/bmp"},
	"tiff": {Ext: "tiff", Class: Image, ContentType: "image/tiff"},
	"svg":  {Ext: "svg", Class: Image, ContentType: "image/svg+xml"},
	"avif": {Ext: "avif", Class: Image, ContentType: "image/avif"},
	"ico":  {Ext: "ico", Class: Image, ContentType: "image/x-icon"},
	"gif":  {Ext: "gif", Class: Image, ContentType: "image/gif"},

	"mp4":  {Ext: "mp4", Class: VideoOrOther, ContentType: "video/mp4"},
	"webm": {Ext: "webm", Class: VideoOrOther, ContentType: "video/webm"},
	"mkv":  {Ext: "mkv", Class: VideoOrOther, ContentType: "video/x-matroska"},
	"mov":  {Ext: "mov", Class: VideoOrOther, ContentType: "video/quicktime"},
	"avi":  {Ext: "avi", Class: VideoOrOther, ContentType: "video/x-msvideo"},
}

// Normalize lower-cases a requested format and strips surrounding whitespace
// and a leading dot.
func Normalize(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

// Classify resolves the class of a normalized format. Anything outside the
// audio and image sets is VideoOrOther.
func Classify(format string) Class {
	if spec, ok := table[format]; ok {
		return spec.Class
	}
	return VideoOrOther
}

// Directive is the set of output parameters handed to the engine for a single job.
type Directive struct {
	Class      Class
	AudioCodec string
	Muxer      string
	Frames     int
	NoAudio    bool
}

// PolicyFor returns the directive implied by class for the given format.
func PolicyFor(class Class, format string) Directive {
	d := Directive{Class: class}
	switch class {
	case Audio:
		d.AudioCodec = AudioCodec
		if format != audioNativeExt {
			d.Muxer = muxerFor(format)
		}
	case Image:
		d.Frames = imageFrameCount
		d.NoAudio = true
	}
	return d
}

func muxerFor(format string) string {
	if spec, ok := table[format]; ok && spec.Muxer != "" {
		return spec.Muxer
	}
	return format
}

// Args renders the directive as ffmpeg output options, in a fixed order.
func (d Directive) Args() []string {
	var args []string
	if d.AudioCodec != "" {
		args = append(args, "-c:a", d.AudioCodec)
	}
	if d.Frames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(d.Frames))
	}
	if d.NoAudio {
		args = append(args, "-an")
	}
	if d.Muxer != "" {
		args = append(args, "-f", d.Muxer)
	}
	return args
}

// ContentType returns the MIME type used when delivering a file of this format.
func ContentType(format string) string {
	if spec, ok := table[format]; ok && spec.ContentType != "" {
		return spec.ContentType
	}
	if ct := mime.TypeByExtension("." + format); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Known lists every format in the table, sorted by class and then extension.
func Known() []Spec {
	specs := make([]Spec, 0, len(table))
	for _, s := range table {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Class != specs[j].Class {
			return specs[i].Class < specs[j].Class
		}
		return specs[i].Ext < specs[j].Ext
	})
	return specs
}
