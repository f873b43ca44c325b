// Package model holds the handful of normalized data types shared across
// the router, dispatcher, and file-transfer packages, kept separate so none
// of those packages need to import one another just for a struct
// definition.
package model

// IncomingMessage is a normalized inbound event, the unit the HTTP
// transport's /events endpoint drains.
type IncomingMessage struct {
	Peer      string `json:"peer"`
	Text      string `json:"text"`
	MediaPath string `json:"mediaPath,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	FileName  string `json:"filename,omitempty"`
	Size      uint64 `json:"size,omitempty"`
	MsgID     string `json:"msgId"`
	TS        int64  `json:"ts"`
}
