package domain

// Audio is a single recorded utterance as sent by the browser.
type Audio struct {
	Data     []byte
	MimeType string
}
