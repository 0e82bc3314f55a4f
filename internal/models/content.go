package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType tags the content variant carried by a message.
type MessageType string

const (
	TypeText             MessageType = "text"
	TypeImage            MessageType = "image"
	TypeFile             MessageType = "file"
	TypeLocation         MessageType = "location"
	TypeExchangeProposal MessageType = "exchange_proposal"
	TypeExchangeResponse MessageType = "exchange_response"
	TypeSystem           MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeLocation, TypeExchangeProposal, TypeExchangeResponse, TypeSystem:
		return true
	}
	return false
}

// Content is the sealed set of message payloads. Each variant belongs to exactly one MessageType.
type Content interface {
	MessageType() MessageType
	isContent()
}

type TextContent struct {
	Text string `json:"text"`
}

type ImageContent struct {
	Caption     string       `json:"caption,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

type FileContent struct {
	Caption     string       `json:"caption,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

type ProposalContent struct {
	Proposal *ExchangeProposal `json:"proposal"`
}

// ResponseContent references the proposal a response message answers.
type ResponseContent struct {
	ProposalID string         `json:"proposal_id"`
	Action     ProposalAction `json:"action"`
}

// SystemContent is machine-generated text plus a structured event tag.
type SystemContent struct {
	Text         string `json:"text"`
	Event        string `json:"event"`
	RefMessageID string `json:"ref_message_id,omitempty"`
}

// Attachment describes an uploaded file.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

func (TextContent) MessageType() MessageType     { return TypeText }
func (ImageContent) MessageType() MessageType    { return TypeImage }
func (FileContent) MessageType() MessageType     { return TypeFile }
func (LocationContent) MessageType() MessageType { return TypeLocation }
func (ProposalContent) MessageType() MessageType { return TypeExchangeProposal }
func (ResponseContent) MessageType() MessageType { return TypeExchangeResponse }
func (SystemContent) MessageType() MessageType   { return TypeSystem }

func (TextContent) isContent()     {}
func (ImageContent) isContent()    {}
func (FileContent) isContent()     {}
func (LocationContent) isContent() {}
func (ProposalContent) isContent() {}
func (ResponseContent) isContent() {}
func (SystemContent) isContent()   {}

// DecodeContent parses raw JSON into the variant for t.
func DecodeContent(t MessageType, raw []byte) (Content, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	var (
		content Content
		err     error
	)
	switch t {
	case TypeText:
		var c TextContent
		err = json.Unmarshal(raw, &c)
		content = c
	case TypeImage:
		var c ImageContent
		err = json.Unmarshal(raw, &c)
		content = c
	case TypeFile:
		var c FileContent
		err = json.Unmarshal(raw, &c)
		content = c
	case TypeLocation:
		var c LocationContent
		err = json.Unmarshal(raw, &c)
		content = c
	case TypeExchangeProposal:
		var c ProposalContent
		err = json.Unmarshal(raw, &c)
		content = c
	case TypeExchangeResponse:
		var c ResponseContent
		err = json.Unmarshal(raw, &c)
		content = c
	case TypeSystem:
		var c SystemContent
		err = json.Unmarshal(raw, &c)
		content = c
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s content: %w", t, err)
	}
	return content, nil
}

// Format renders a one-line preview of a message for list views and notifications.
func Format(m Message) string {
	m = m.Visible()
	switch c := m.Content.(type) {
	case TextContent:
		return c.Text
	case ImageContent:
		if c.Caption != "" {
			return "📷 " + c.Caption
		}
		return "📷 Imagen"
	case FileContent:
		if len(c.Attachments) > 0 && c.Attachments[0].Name != "" {
			return "📎 " + c.Attachments[0].Name
		}
		return "📎 Archivo"
	case LocationContent:
		if c.Label != "" {
			return "📍 " + c.Label
		}
		return fmt.Sprintf("📍 %.5f, %.5f", c.Latitude, c.Longitude)
	case ProposalContent:
		if c.Proposal == nil {
			return "Propuesta de intercambio"
		}
		return fmt.Sprintf("Propuesta de intercambio: %s por %s",
			describeItems(c.Proposal.OfferedItems), describeItems(c.Proposal.RequestedItems))
	case ResponseContent:
		return "Respuesta a propuesta: " + string(c.Action)
	case SystemContent:
		return c.Text
	case nil:
		return ""
	default:
		panic(fmt.Sprintf("models: unhandled content %T", c))
	}
}

func describeItems(items []ProposalItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item.Description != "" {
			parts = append(parts, item.Description)
			continue
		}
		parts = append(parts, item.PublicationID)
	}
	return strings.Join(parts, ", ")
}
