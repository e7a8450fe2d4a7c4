// Package classify normalizes raw provider notifications into inbound
// messages the rest of the pipeline can process uniformly.
package classify

import (
	"fmt"

	"github.com/souqlabs/souqbot/internal/models"
)

// Placeholder texts persisted for non-text modalities that carry no usable
// content of their own.
const (
	VoicePlaceholder = "[رسالة صوتية]"
	ImagePlaceholder = "[صورة]"
)

// Inbound classifies a notification into a normalized inbound message.
//
// It returns models.ErrGroupChat for group-chat events and models.ErrNoSender
// when the event carries no extractable sender identity. Both are expected
// conditions, not faults: callers skip the event and still acknowledge it.
func Inbound(n *models.Notification) (*models.Inbound, error) {
	if n.SenderData == nil || n.SenderData.ChatID == "" {
		return nil, models.ErrNoSender
	}
	if models.IsGroupChatID(n.SenderData.ChatID) {
		return nil, models.ErrGroupChat
	}
	phone := models.PhoneFromChatID(n.SenderData.ChatID)
	if phone == "" {
		return nil, models.ErrNoSender
	}

	in := &models.Inbound{
		SenderPhone: phone,
		SenderName:  senderName(n.SenderData),
	}
	if n.MessageData == nil {
		in.Modality = models.ModalityOther
		in.Text = "[unknown]"
		return in, nil
	}

	md := n.MessageData
	switch md.TypeMessage {
	case models.TypeTextMessage:
		in.Modality = models.ModalityText
		if md.TextMessageData != nil {
			in.Text = md.TextMessageData.TextMessage
		}
	case models.TypeExtendedTextMessage:
		in.Modality = models.ModalityText
		if md.ExtendedTextMessageData != nil {
			in.Text = md.ExtendedTextMessageData.Text
		}
	case models.TypeAudioMessage, models.TypeVoiceMessage:
		file := firstFileData(md)
		if file == nil || file.DownloadURL == "" {
			// No media to transcribe; degrade to a text placeholder so the
			// conversation log still records that something arrived.
			in.Modality = models.ModalityText
			in.Text = VoicePlaceholder
			return in, nil
		}
		in.Modality = models.ModalityVoice
		in.MediaURL = file.DownloadURL
	case models.TypeImageMessage:
		in.Modality = models.ModalityImage
		file := firstFileData(md)
		if file != nil {
			in.MediaURL = file.DownloadURL
			in.Text = file.Caption
		}
		if in.Text == "" {
			in.Text = ImagePlaceholder
		}
	default:
		in.Modality = models.ModalityOther
		in.Text = fmt.Sprintf("[%s]", md.TypeMessage)
	}
	return in, nil
}

// senderName prefers the explicit sender name, falling back to the chat name.
func senderName(s *models.SenderData) string {
	if s.SenderName != "" {
		return s.SenderName
	}
	return s.ChatName
}

// firstFileData returns whichever media content block the provider populated.
// Voice notes arrive under fileMessageData or audioMessageData depending on
// how the sender recorded them.
func firstFileData(md *models.MessageData) *models.FileMessageData {
	if md.FileMessageData != nil {
		return md.FileMessageData
	}
	if md.AudioMessageData != nil {
		return md.AudioMessageData
	}
	if md.ImageMessageData != nil {
		return md.ImageMessageData
	}
	return nil
}
