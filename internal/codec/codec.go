// Package codec classifies and encodes the four media wire formats the
// Carrier transport may carry in a friend_message payload: a length-prefixed
// packed file, two flavors of inline-JSON media, and a send-only legacy
// inline blob. See Classify for the inbound decision procedure.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies which wire format a classified Payload came from.
type Kind int

const (
	KindText Kind = iota
	KindPacked
	KindInlineJSON
	KindSwiftJSON
	KindLegacyInline
)

func (k Kind) String() string {
	switch k {
	case KindPacked:
		return "packed"
	case KindInlineJSON:
		return "inline-json"
	case KindSwiftJSON:
		return "swift-json"
	case KindLegacyInline:
		return "legacy-inline"
	default:
		return "text"
	}
}

const (
	// MaxPackedMetaLen is the largest accepted meta_len prefix for Format A.
	MaxPackedMetaLen = 4096
	// MaxPayloadSize is the hard post-decode size ceiling shared by every
	// binary-bearing format.
	MaxPayloadSize = 5 * 1024 * 1024
)

// Payload is the normalized result of classifying an inbound byte string.
// Exactly one of Text or Data is meaningful, selected by Kind.
type Payload struct {
	Kind         Kind
	Text         string
	FileName     string
	ContentType  string
	Data         []byte
	DeclaredSize int64
}

// Classify implements the inbound decision procedure: Format A, then
// Format B (with Swift-variant subclassification), then plain text.
// Format D (legacy inline) is send-only and never produced here.
func Classify(raw []byte) Payload {
	if p, ok := decodePacked(raw); ok {
		return p
	}
	if p, ok := decodeInline(raw); ok {
		return p
	}
	return Payload{Kind: KindText, Text: string(raw)}
}

// decodePacked recognizes Format A: [4-byte BE meta_len][meta_json][raw bytes].
// Recognition does not itself enforce the 5 MiB ceiling — callers decide how
// to react to an oversized packed payload (see router.go).
func decodePacked(raw []byte) (Payload, bool) {
	if len(raw) < 4 {
		return Payload{}, false
	}
	metaLen := binary.BigEndian.Uint32(raw[:4])
	if metaLen < 1 || metaLen > MaxPackedMetaLen {
		return Payload{}, false
	}
	if uint64(len(raw)) < 4+uint64(metaLen) {
		return Payload{}, false
	}
	metaJSON := raw[4 : 4+metaLen]

	var meta struct {
		Type        string `json:"type"`
		FileName    string `json:"filename"`
		ContentType string `json:"contentType"`
		Size        int64  `json:"size"`
	}
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return Payload{}, false
	}
	if meta.Type != "file" || strings.TrimSpace(meta.FileName) == "" {
		return Payload{}, false
	}

	body := raw[4+uint64(metaLen):]
	return Payload{
		Kind:         KindPacked,
		FileName:     meta.FileName,
		ContentType:  meta.ContentType,
		Data:         body,
		DeclaredSize: meta.Size,
	}, true
}

type inlineWire struct {
	Type          string `json:"type"`
	Data          string `json:"data"`
	FileName      string `json:"fileName"`
	FileNameAlt   string `json:"filename"`
	FileExtension string `json:"fileExtension"`
	MediaType     string `json:"mediaType"`
}

// inlineKinds is the accepted "type" set for Format B. A JSON object whose
// data field has no recognized type alongside it (legacy inline's bare
// {"data": ...} shape) is send-only and must fall through to text.
var inlineKinds = map[string]bool{
	"image":   true,
	"file":    true,
	"audio":   true,
	"text":    true,
	"unknown": true,
}

// decodeInline recognizes Formats B and C, both JSON objects carrying a
// base64 "data" field. Format C (Swift FileModel) is distinguished by split
// fileName/fileExtension fields and the absence of a "data:" URL prefix.
func decodeInline(raw []byte) (Payload, bool) {
	var w inlineWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Payload{}, false
	}
	if strings.TrimSpace(w.Data) == "" {
		return Payload{}, false
	}

	if w.FileName != "" && w.FileExtension != "" && !strings.Contains(w.Data, "base64,") {
		data, err := base64.StdEncoding.DecodeString(w.Data)
		if err != nil {
			return Payload{}, false
		}
		if len(data) > MaxPayloadSize {
			return Payload{}, false
		}
		return Payload{
			Kind:        KindSwiftJSON,
			FileName:    w.FileName + w.FileExtension,
			ContentType: w.MediaType,
			Data:        data,
		}, true
	}

	if !inlineKinds[w.Type] {
		return Payload{}, false
	}

	b64 := w.Data
	if idx := strings.Index(b64, "base64,"); idx >= 0 {
		b64 = b64[idx+len("base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Payload{}, false
	}
	if len(data) > MaxPayloadSize {
		return Payload{}, false
	}

	name := w.FileName
	if name == "" {
		name = w.FileNameAlt
	}
	if name != "" && !strings.Contains(name, ".") {
		if ext := ExtensionForMime(w.MediaType); ext != "" {
			name = name + "." + ext
		}
	}

	return Payload{
		Kind:        KindInlineJSON,
		FileName:    name,
		ContentType: w.MediaType,
		Data:        data,
	}, true
}

// EncodePacked produces Format A wire bytes for an outbound file.
func EncodePacked(filename, contentType string, data []byte) ([]byte, error) {
	meta := struct {
		Type        string `json:"type"`
		FileName    string `json:"filename"`
		ContentType string `json:"contentType"`
		Size        int64  `json:"size"`
	}{
		Type:        "file",
		FileName:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal packed meta: %w", err)
	}
	if len(metaJSON) > MaxPackedMetaLen {
		return nil, fmt.Errorf("packed meta exceeds %d bytes", MaxPackedMetaLen)
	}

	buf := make([]byte, 4+len(metaJSON)+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(metaJSON)))
	copy(buf[4:], metaJSON)
	copy(buf[4+len(metaJSON):], data)
	return buf, nil
}

// EncodeInlineJSON produces Format B wire bytes.
func EncodeInlineJSON(filename, contentType string, data []byte) ([]byte, error) {
	w := inlineWire{
		Type:      "file",
		Data:      "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		FileName:  "",
		MediaType: contentType,
	}
	w.FileNameAlt = filename
	return json.Marshal(w)
}

// EncodeSwiftJSON produces Format C wire bytes. filename is split into stem
// and extension at the last dot; if there is no dot the whole name becomes
// the stem and the extension is empty.
func EncodeSwiftJSON(filename, contentType string, data []byte) ([]byte, error) {
	stem, ext := splitExt(filename)
	w := inlineWire{
		Type:          "file",
		Data:          base64.StdEncoding.EncodeToString(data),
		FileName:      stem,
		FileExtension: ext,
		MediaType:     contentType,
	}
	return json.Marshal(w)
}

// EncodeLegacyInline produces Format D wire bytes — send-only, never
// recognized by Classify.
func EncodeLegacyInline(data []byte) ([]byte, error) {
	w := struct {
		Data string `json:"data"`
	}{Data: base64.StdEncoding.EncodeToString(data)}
	return json.Marshal(w)
}

func splitExt(filename string) (stem, ext string) {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return filename, ""
	}
	return filename[:idx], filename[idx:]
}

// SanitizeFilename replaces path separators and NUL bytes so a remote-supplied
// filename can never escape the media directory; an empty result falls back
// to "file.bin".
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "\x00", "_")
	if strings.TrimSpace(name) == "" {
		return "file.bin"
	}
	return name
}

var extensionMIME = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"mp4":  "video/mp4",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"pdf":  "application/pdf",
}

// MimeForExtension maps a fixed set of known extensions to a MIME type,
// falling back to application/octet-stream.
func MimeForExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if mime, ok := extensionMIME[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// ExtensionForMime reverses MimeForExtension's table, returning "" when the
// MIME type isn't one of the known fixed set.
func ExtensionForMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	for ext, m := range extensionMIME {
		if m == mime {
			return ext
		}
	}
	return ""
}
