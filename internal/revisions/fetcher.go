package revisions

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
)

// Fetcher serves history.Fetcher directly from the store.
type Fetcher struct {
	service *Service
}

// NewFetcher wraps service as a fetch port.
func NewFetcher(service *Service) *Fetcher {
	return &Fetcher{service: service}
}

// FetchEdits implements history.Fetcher.
func (f *Fetcher) FetchEdits(ctx context.Context, request history.FetchRequest) (history.Page, error) {
	roomID, err := NewRoomID(request.RoomID)
	if err != nil {
		return history.Page{}, err
	}
	messageID, err := NewEventID(request.MessageID)
	if err != nil {
		return history.Page{}, err
	}

	page, err := f.service.ListEdits(ctx, EditQuery{
		RoomID:    roomID,
		MessageID: messageID,
		Encrypted: request.Encrypted,
		From:      request.From.String(),
		Limit:     request.Limit,
	})
	if err != nil {
		return history.Page{}, err
	}
	return page.HistoryPage(), nil
}

// HistoryPage converts a stored page into the fetch port representation.
func (p EditPage) HistoryPage() history.Page {
	revisions := make([]history.RawRevision, 0, len(p.Edits))
	for _, edit := range p.Edits {
		revisions = append(revisions, edit.RawRevision())
	}
	original := p.Original.RawRevision()
	return history.Page{
		Revisions:  revisions,
		NextCursor: history.Cursor(p.NextCursor),
		Original:   &original,
	}
}

// RawRevision converts the stored edit into an undecoded event.
func (e Edit) RawRevision() history.RawRevision {
	return history.RawRevision{
		EventID:        e.EventID,
		RoomID:         e.RoomID,
		SenderID:       e.SenderID,
		Type:           e.EventType,
		Content:        json.RawMessage(e.ContentJSON),
		OriginServerTS: timeFromMillis(e.OriginServerTSMillis),
	}
}

// RawRevision converts the stored message into an undecoded event.
func (m Message) RawRevision() history.RawRevision {
	return history.RawRevision{
		EventID:        m.EventID,
		RoomID:         m.RoomID,
		SenderID:       m.SenderID,
		Type:           m.EventType,
		Content:        json.RawMessage(m.ContentJSON),
		OriginServerTS: timeFromMillis(m.OriginServerTSMillis),
	}
}
