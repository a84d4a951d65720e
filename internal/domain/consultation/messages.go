package consultation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/attachment"
	"github.com/telemed/telemed/internal/platform/audit"
	"github.com/telemed/telemed/internal/platform/sessioncrypto"
	"github.com/telemed/telemed/internal/platform/websocket"
)

// openSession loads a session that may carry messages. An online session
// without a meeting link does not.
func (s *Service) openSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsOnline && !sess.HasLink() {
		return nil, errMeetLinkMissing()
	}
	return sess, nil
}

// SendMessage encrypts content under the session key and stores it. The
// returned view echoes the plaintext to the sender.
func (s *Service) SendMessage(ctx context.Context, id, senderType, senderID, content, contentType string) (*MessageView, error) {
	sess, err := s.openSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = ContentText
	}
	if senderID == "" {
		senderID = defaultSender(sess, senderType)
	}
	m, err := s.storeMessage(ctx, sess, senderType, senderID, content, contentType, nil)
	if err != nil {
		return nil, err
	}
	return viewOf(m, content, false), nil
}

func defaultSender(sess *Session, senderType string) string {
	if senderType == SenderPatient {
		return sess.PatientID
	}
	return sess.DoctorID
}

func (s *Service) storeMessage(ctx context.Context, sess *Session, senderType, senderID, content, contentType string, meta *AttachmentMeta) (*Message, error) {
	id, err := sessioncrypto.NewMessageID()
	if err != nil {
		return nil, apperr.Internal("mint message id", err)
	}
	ciphertext, iv, err := s.vault.Encrypt(content, sess.ID, nil)
	if err != nil {
		return nil, apperr.Internal("encrypt message", err)
	}
	m := &Message{
		ID:               id,
		ConsultationID:   sess.ID,
		AppointmentID:    sess.AppointmentID,
		SenderType:       senderType,
		SenderID:         senderID,
		EncryptedContent: ciphertext,
		IV:               iv,
		ContentType:      contentType,
		Attachment:       meta,
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}
	s.publishMessage(ctx, m)
	return m, nil
}

// ListMessages returns the session's messages decrypted, oldest first. A
// message that fails to decrypt is returned with placeholder content.
func (s *Service) ListMessages(ctx context.Context, id string) ([]*MessageView, error) {
	if _, err := s.sessions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListByConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]*MessageView, 0, len(msgs))
	for _, m := range msgs {
		plaintext, err := s.vault.Decrypt(m.EncryptedContent, m.IV, m.ConsultationID, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("message_id", m.ID).Msg("message decryption failed")
			out = append(out, viewOf(m, DecryptionFailedText, true))
			continue
		}
		out = append(out, viewOf(m, plaintext, false))
	}
	return out, nil
}

func viewOf(m *Message, content string, failed bool) *MessageView {
	v := &MessageView{
		ID:               m.ID,
		ConsultationID:   m.ConsultationID,
		SenderType:       m.SenderType,
		SenderID:         m.SenderID,
		Content:          content,
		ContentType:      m.ContentType,
		DecryptionFailed: failed,
		CreatedAt:        m.CreatedAt,
	}
	if m.Attachment != nil {
		meta := *m.Attachment
		meta.StorageKey = ""
		v.Attachment = &meta
	}
	return v
}

// UploadAttachment validates and stores a file, then posts a message that
// refers to it.
func (s *Service) UploadAttachment(ctx context.Context, id, senderType, senderID, filename, mimeType string, data []byte) (*MessageView, error) {
	sess, err := s.openSession(ctx, id)
	if err != nil {
		return nil, err
	}
	mimeType = attachment.ResolveMIME(data, mimeType)
	if err := attachment.Validate(data, filename, mimeType); err != nil {
		return nil, err
	}
	safe, err := attachment.Sanitize(filename)
	if err != nil {
		return nil, err
	}
	checksum := sessioncrypto.Hash(data)
	key := sess.ID + "/" + checksum + "_" + safe

	obj, err := s.blobs.Put(ctx, key, mimeType, bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Internal("store attachment", err)
	}

	contentType := ContentFile
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		contentType = ContentImage
	case mimeType == "application/pdf":
		contentType = ContentPDF
	}
	if senderID == "" {
		senderID = defaultSender(sess, senderType)
	}
	meta := &AttachmentMeta{
		Filename:   safe,
		SizeBytes:  obj.Size,
		MimeType:   mimeType,
		Checksum:   checksum,
		StorageKey: key,
	}
	content := fmt.Sprintf("[Attachment: %s]", safe)
	m, err := s.storeMessage(ctx, sess, senderType, senderID, content, contentType, meta)
	if err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.logger.Warn().Err(derr).Str("key", key).Msg("orphan attachment not removed")
		}
		return nil, err
	}

	s.record(ctx, audit.Entry{
		Action:         audit.ActionAttachmentUploaded,
		ResourceType:   "message",
		ResourceID:     m.ID,
		AppointmentID:  &sess.AppointmentID,
		ConsultationID: sess.ID,
		Details:        map[string]any{"filename": safe, "size_bytes": obj.Size, "mime_type": mimeType},
	})
	return viewOf(m, content, false), nil
}

// OpenAttachment streams the blob behind an attachment message. The caller
// closes the reader.
func (s *Service) OpenAttachment(ctx context.Context, id, messageID string) (io.ReadCloser, *AttachmentMeta, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if m.ConsultationID != id || m.Attachment == nil || m.Attachment.StorageKey == "" {
		return nil, nil, apperr.NotFound("attachment not found")
	}
	rc, _, err := s.blobs.Get(ctx, m.Attachment.StorageKey)
	if err != nil {
		return nil, nil, apperr.NotFound("attachment not found")
	}
	return rc, m.Attachment, nil
}

func (s *Service) publishMessage(ctx context.Context, m *Message) {
	if s.events == nil {
		return
	}
	err := s.events.PublishData(ctx, websocket.ConsultationTopic(m.ConsultationID), websocket.EventMessage, "message", m.ID,
		map[string]any{
			"message_id":   m.ID,
			"sender_type":  m.SenderType,
			"content_type": m.ContentType,
		})
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", m.ID).Msg("message event not published")
	}
}
