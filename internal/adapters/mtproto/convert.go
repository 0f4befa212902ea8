package mtproto

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"tg-trend-engine/internal/domain"
)

// convertHistory достаёт сообщения из ответа messages.getHistory по возрастанию ID.
// Служебные и пустые сообщения отбрасываются, сообщения с ID не больше afterID тоже.
func convertHistory(result tg.MessagesMessagesClass, afterID int64) []domain.RawMessage {
	var list []tg.MessageClass
	switch r := result.(type) {
	case *tg.MessagesChannelMessages:
		list = r.Messages
	case *tg.MessagesMessagesSlice:
		list = r.Messages
	case *tg.MessagesMessages:
		list = r.Messages
	}
	out := make([]domain.RawMessage, 0, len(list))
	for _, item := range list {
		msg, ok := item.(*tg.Message)
		if !ok || int64(msg.ID) <= afterID {
			continue
		}
		out = append(out, convertMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func convertMessage(msg *tg.Message) domain.RawMessage {
	raw := domain.RawMessage{
		ID:         int64(msg.ID),
		Date:       time.Unix(int64(msg.Date), 0).UTC(),
		Text:       msg.Message,
		PostAuthor: msg.PostAuthor,
	}
	if views, ok := msg.GetViews(); ok {
		raw.Views = int64(views)
	}
	if forwards, ok := msg.GetForwards(); ok {
		raw.Forwards = int64(forwards)
	}
	if replies, ok := msg.GetReplies(); ok {
		raw.Replies = int64(replies.Replies)
	}
	if reactions, ok := msg.GetReactions(); ok {
		for _, r := range reactions.Results {
			raw.Reactions += int64(r.Count)
		}
	}
	if from, ok := msg.GetFromID(); ok {
		raw.AuthorID = peerID(from)
	}
	for _, entity := range msg.Entities {
		if link, ok := entity.(*tg.MessageEntityTextURL); ok && link.URL != "" {
			raw.EntityURLs = append(raw.EntityURLs, link.URL)
		}
	}
	if media, ok := msg.GetMedia(); ok {
		raw.MediaKind, raw.Media = convertMedia(media)
	}
	return raw
}

func peerID(peer tg.PeerClass) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return "user:" + strconv.FormatInt(p.UserID, 10)
	case *tg.PeerChannel:
		return "channel:" + strconv.FormatInt(p.ChannelID, 10)
	case *tg.PeerChat:
		return "chat:" + strconv.FormatInt(p.ChatID, 10)
	default:
		return ""
	}
}

// convertMedia возвращает вид вложения и адрес файла, если файл можно скачать.
func convertMedia(media tg.MessageMediaClass) (string, *domain.RawMedia) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return "photo", nil
		}
		thumb, size := largestPhotoSize(photo.Sizes)
		if thumb == "" {
			return "photo", nil
		}
		return "photo", &domain.RawMedia{
			Kind:     "photo",
			MimeType: "image/jpeg",
			Size:     size,
			Location: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
			},
		}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return "document", nil
		}
		kind := documentKind(doc)
		return kind, &domain.RawMedia{
			Kind:     kind,
			MimeType: doc.MimeType,
			Size:     doc.Size,
			Location: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}
	case *tg.MessageMediaPoll:
		return "poll", nil
	case *tg.MessageMediaWebPage:
		return "webpage", nil
	default:
		return "other", nil
	}
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, int64) {
	var (
		bestType string
		bestSize int64
	)
	for _, s := range sizes {
		switch v := s.(type) {
		case *tg.PhotoSize:
			if int64(v.Size) >= bestSize {
				bestType, bestSize = v.Type, int64(v.Size)
			}
		case *tg.PhotoSizeProgressive:
			if n := len(v.Sizes); n > 0 && int64(v.Sizes[n-1]) >= bestSize {
				bestType, bestSize = v.Type, int64(v.Sizes[n-1])
			}
		}
	}
	return bestType, bestSize
}

func documentKind(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeVideo:
			if a.RoundMessage {
				return "round"
			}
			return "video"
		case *tg.DocumentAttributeAnimated:
			return "gif"
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				return "voice"
			}
			return "audio"
		}
	}
	if strings.HasPrefix(doc.MimeType, "video/") {
		return "video"
	}
	if strings.HasPrefix(doc.MimeType, "image/") {
		return "photo"
	}
	return "document"
}
