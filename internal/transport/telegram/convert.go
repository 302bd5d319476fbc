package telegram

import (
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"feedrelay/internal/entity"
	"feedrelay/internal/model"
)

func postFromMessage(m *tele.Message, now time.Time) model.Post {
	p := model.Post{
		Origin:     model.FeedID(strconv.FormatInt(m.Chat.ID, 10)),
		ID:         strconv.Itoa(m.ID),
		GroupID:    m.AlbumID,
		Text:       m.Text,
		Forwarded:  m.IsForwarded(),
		ReceivedAt: now,
	}
	ents := m.Entities
	if p.Text == "" {
		p.Text = m.Caption
		ents = m.CaptionEntities
	}
	p.Entities = entity.Clamp(p.Text, convertEntities(ents))
	if m.ReplyTo != nil {
		p.ReplyTo = strconv.Itoa(m.ReplyTo.ID)
	}
	p.Kind, p.Media = mediaOf(m)
	if m.ReplyMarkup != nil {
		p.Buttons = convertButtons(m.ReplyMarkup.InlineKeyboard)
	}
	return p
}

func mediaOf(m *tele.Message) (model.Kind, *model.Media) {
	file := func(k model.Kind, id string) (model.Kind, *model.Media) {
		return k, &model.Media{Kind: k, FileID: id}
	}
	switch {
	case m.Photo != nil:
		return file(model.Photo, m.Photo.FileID)
	case m.Video != nil:
		return file(model.Video, m.Video.FileID)
	case m.Animation != nil:
		return file(model.Animation, m.Animation.FileID)
	case m.Document != nil:
		return file(model.Document, m.Document.FileID)
	case m.Audio != nil:
		return file(model.Audio, m.Audio.FileID)
	case m.Voice != nil:
		return file(model.Voice, m.Voice.FileID)
	case m.VideoNote != nil:
		return file(model.VideoNote, m.VideoNote.FileID)
	case m.Sticker != nil:
		return file(model.Sticker, m.Sticker.FileID)
	}
	return model.Text, nil
}

func convertEntities(in tele.Entities) []entity.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]entity.Entity, 0, len(in))
	for _, e := range in {
		x := entity.Entity{
			Kind:          entity.Kind(e.Type),
			Offset:        e.Offset,
			Length:        e.Length,
			URL:           e.URL,
			Language:      e.Language,
			CustomEmojiID: e.CustomEmojiID,
		}
		if e.User != nil {
			x.UserID = e.User.ID
		}
		out = append(out, x)
	}
	return out
}

func convertButtons(rows [][]tele.InlineButton) [][]model.Button {
	var out [][]model.Button
	for _, row := range rows {
		var r []model.Button
		for _, b := range row {
			r = append(r, model.Button{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		if len(r) > 0 {
			out = append(out, r)
		}
	}
	return out
}

// markup keeps URL buttons only. Callback data belongs to the source
// chat's bot and means nothing at the destination.
func markup(rows [][]model.Button) *tele.ReplyMarkup {
	var kb [][]tele.InlineButton
	for _, row := range rows {
		var r []tele.InlineButton
		for _, b := range row {
			if b.URL == "" {
				continue
			}
			r = append(r, tele.InlineButton{Text: b.Text, URL: b.URL})
		}
		if len(r) > 0 {
			kb = append(kb, r)
		}
	}
	if len(kb) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}

func fileOf(m *model.Media) tele.File {
	if m.FileID != "" {
		return tele.File{FileID: m.FileID}
	}
	return tele.FromURL(m.URL)
}
