package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

// stores is one backend under test. prefix keeps ids unique when the
// backend is shared between runs.
type stores struct {
	messages MessageRepository
	contacts ContactRepository
	prefix   string
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (s stores) id(v string) string { return s.prefix + v }

func (s stores) contact(t *testing.T, id, phone string) model.Contact {
	t.Helper()

	c := model.Contact{ID: s.id(id), Name: id, Phone: phone}
	if err := s.contacts.Upsert(context.Background(), c); err != nil {
		t.Fatalf("Upsert(%s): %v", c.ID, err)
	}
	return c
}

func (s stores) outgoing(t *testing.T, id, conv string, created time.Time) model.Message {
	t.Helper()

	m := model.Message{
		ID:             s.id(id),
		ConversationID: conv,
		Content:        "hello",
		Kind:           model.KindText,
		Direction:      model.Outgoing,
		Status:         model.Sending,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if err := s.messages.Insert(context.Background(), m); err != nil {
		t.Fatalf("Insert(%s): %v", m.ID, err)
	}
	return m
}

func (s stores) sent(t *testing.T, id, wamid, conv string) model.Message {
	t.Helper()

	s.outgoing(t, id, conv, base)
	m, err := s.messages.MarkSent(context.Background(), s.id(id), wamid, base.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkSent(%s): %v", id, err)
	}
	return m
}

func runMessageContract(t *testing.T, open func(t *testing.T) stores) {
	t.Run("get missing is not found", func(t *testing.T) {
		s := open(t)
		if _, err := s.messages.Get(context.Background(), s.id("nope")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.messages.GetByProviderID(context.Background(), s.id("wamid.nope")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("insert rejects duplicate id", func(t *testing.T) {
		s := open(t)
		c := s.contact(t, "c1", "+36 30 111 1111")
		m := s.outgoing(t, "m1", c.ID, base)

		if err := s.messages.Insert(context.Background(), m); err == nil {
			t.Fatalf("expected duplicate insert to fail")
		}
	})

	t.Run("mark sent only from sending", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		c := s.contact(t, "c1", "+36 30 111 1111")
		s.outgoing(t, "m1", c.ID, base)

		got, err := s.messages.MarkSent(ctx, s.id("m1"), s.id("wamid.1"), base.Add(time.Second))
		if err != nil {
			t.Fatalf("MarkSent: %v", err)
		}
		if got.Status != model.Sent || got.ProviderMessageID == nil || *got.ProviderMessageID != s.id("wamid.1") {
			t.Fatalf("unexpected message after MarkSent: %+v", got)
		}

		byWamid, err := s.messages.GetByProviderID(ctx, s.id("wamid.1"))
		if err != nil {
			t.Fatalf("GetByProviderID: %v", err)
		}
		if byWamid.ID != s.id("m1") {
			t.Fatalf("expected %s, got %s", s.id("m1"), byWamid.ID)
		}

		if _, err := s.messages.MarkSent(ctx, s.id("m1"), s.id("wamid.2"), base.Add(2*time.Second)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected second MarkSent to be rejected, got %v", err)
		}
	})

	t.Run("template language round-trips", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		c := s.contact(t, "c1", "+36 30 111 1111")

		m := model.Message{
			ID:               s.id("t1"),
			ConversationID:   c.ID,
			Content:          "order_update",
			Kind:             model.KindTemplate,
			TemplateLanguage: "pt_BR",
			Direction:        model.Outgoing,
			Status:           model.Sending,
			CreatedAt:        base,
			UpdatedAt:        base,
		}
		if err := s.messages.Insert(ctx, m); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		got, err := s.messages.MarkFailed(ctx, m.ID, "rate_limited", base.Add(time.Second))
		if err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if got.TemplateLanguage != "pt_BR" {
			t.Fatalf("expected template language pt_BR, got %q", got.TemplateLanguage)
		}
	})

	t.Run("mark failed rejects terminal", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		c := s.contact(t, "c1", "+36 30 111 1111")
		s.outgoing(t, "m1", c.ID, base)

		got, err := s.messages.MarkFailed(ctx, s.id("m1"), "timeout", base.Add(time.Second))
		if err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if got.Status != model.Failed || got.FailureReason == nil || *got.FailureReason != "timeout" {
			t.Fatalf("unexpected message after MarkFailed: %+v", got)
		}
		if got.ProviderMessageID != nil {
			t.Fatalf("expected no provider id, got %q", *got.ProviderMessageID)
		}

		if _, err := s.messages.MarkFailed(ctx, s.id("m1"), "again", base.Add(2*time.Second)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on failed message, got %v", err)
		}
	})

	t.Run("apply status follows rank", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		c := s.contact(t, "c1", "+36 30 111 1111")
		s.sent(t, "m1", s.id("wamid.1"), c.ID)

		steps := []struct {
			status  model.Status
			applied bool
			want    model.Status
		}{
			{model.Delivered, true, model.Delivered},
			{model.Delivered, false, model.Delivered},
			{model.Sent, false, model.Delivered},
			{model.Read, true, model.Read},
			{model.Failed, false, model.Read},
		}
		for i, step := range steps {
			res, err := s.messages.ApplyStatus(ctx, model.StatusEvent{
				ProviderMessageID: s.id("wamid.1"),
				Status:            step.status,
				Timestamp:         base.Add(time.Duration(i+2) * time.Second),
			})
			if err != nil {
				t.Fatalf("step %d ApplyStatus(%s): %v", i, step.status, err)
			}
			if !res.Found || res.Applied != step.applied {
				t.Fatalf("step %d: expected found=true applied=%v, got %+v", i, step.applied, res)
			}
			if res.Message.Status != step.want {
				t.Fatalf("step %d: expected status %s, got %s", i, step.want, res.Message.Status)
			}
		}
	})

	t.Run("apply failed keeps reason", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		c := s.contact(t, "c1", "+36 30 111 1111")
		s.sent(t, "m1", s.id("wamid.1"), c.ID)

		res, err := s.messages.ApplyStatus(ctx, model.StatusEvent{
			ProviderMessageID: s.id("wamid.1"),
			Status:            model.Failed,
			Timestamp:         base.Add(time.Minute),
			FailureReason:     "provider 131047",
		})
		if err != nil {
			t.Fatalf("ApplyStatus: %v", err)
		}
		if !res.Applied || res.Message.FailureReason == nil || *res.Message.FailureReason != "provider 131047" {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("apply status for unknown id", func(t *testing.T) {
		s := open(t)
		res, err := s.messages.ApplyStatus(context.Background(), model.StatusEvent{
			ProviderMessageID: s.id("wamid.unknown"),
			Status:            model.Delivered,
			Timestamp:         base,
		})
		if err != nil {
			t.Fatalf("ApplyStatus: %v", err)
		}
		if res.Found || res.Applied {
			t.Fatalf("expected nothing found, got %+v", res)
		}
	})

	t.Run("update is partial", func(t *testing.T) {
		s := open(t)
		c := s.contact(t, "c1", "+36 30 111 1111")
		s.outgoing(t, "m1", c.ID, base)

		failed := model.Failed
		reason := "validation"
		got, err := s.messages.Update(context.Background(), s.id("m1"), MessageUpdate{
			Status:        &failed,
			FailureReason: &reason,
			UpdatedAt:     base.Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if got.Status != model.Failed || got.Content != "hello" || got.ProviderMessageID != nil {
			t.Fatalf("unexpected message after Update: %+v", got)
		}
		if !got.UpdatedAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("expected updated_at %v, got %v", base.Add(time.Minute), got.UpdatedAt)
		}

		if _, err := s.messages.Update(context.Background(), s.id("nope"), MessageUpdate{Status: &failed}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("inbound dedup is per conversation", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		a := s.contact(t, "a", "+36 30 111 1111")
		b := s.contact(t, "b", "36301111111")

		wamid := s.id("wamid.in.1")
		inbound := func(id, conv string) model.Message {
			return model.Message{
				ID:                s.id(id),
				ProviderMessageID: &wamid,
				ConversationID:    conv,
				Content:           "hi",
				Kind:              model.KindText,
				Direction:         model.Incoming,
				Status:            model.Delivered,
				CreatedAt:         base,
				UpdatedAt:         base,
			}
		}

		created, err := s.messages.InsertInbound(ctx, inbound("in-a1", a.ID))
		if err != nil || !created {
			t.Fatalf("first insert: created=%v err=%v", created, err)
		}
		created, err = s.messages.InsertInbound(ctx, inbound("in-a2", a.ID))
		if err != nil || created {
			t.Fatalf("duplicate insert: created=%v err=%v", created, err)
		}
		created, err = s.messages.InsertInbound(ctx, inbound("in-b1", b.ID))
		if err != nil || !created {
			t.Fatalf("other conversation: created=%v err=%v", created, err)
		}

		if _, err := s.messages.GetByProviderID(ctx, wamid); !errors.Is(err, ErrNotFound) {
			t.Fatalf("inbound ids must not resolve as outgoing, got %v", err)
		}

		list, err := s.messages.ListByConversation(ctx, a.ID, 10, 0)
		if err != nil {
			t.Fatalf("ListByConversation: %v", err)
		}
		if len(list) != 1 || list[0].ID != s.id("in-a1") {
			t.Fatalf("expected only the first inbound row, got %+v", list)
		}
	})

	t.Run("inbound requires provider id", func(t *testing.T) {
		s := open(t)
		c := s.contact(t, "c1", "+36 30 111 1111")

		_, err := s.messages.InsertInbound(context.Background(), model.Message{
			ID:             s.id("in-1"),
			ConversationID: c.ID,
			Kind:           model.KindText,
			Direction:      model.Incoming,
			Status:         model.Delivered,
			CreatedAt:      base,
		})
		if err == nil {
			t.Fatalf("expected error for inbound without provider id")
		}
	})

	t.Run("list pages in creation order", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		c := s.contact(t, "c1", "+36 30 111 1111")
		other := s.contact(t, "c2", "+36 30 222 2222")

		s.outgoing(t, "m3", c.ID, base.Add(2*time.Minute))
		s.outgoing(t, "m1", c.ID, base)
		s.outgoing(t, "m2", c.ID, base.Add(time.Minute))
		s.outgoing(t, "x1", other.ID, base)

		first, err := s.messages.ListByConversation(ctx, c.ID, 2, 0)
		if err != nil {
			t.Fatalf("ListByConversation: %v", err)
		}
		if len(first) != 2 || first[0].ID != s.id("m1") || first[1].ID != s.id("m2") {
			t.Fatalf("unexpected first page: %+v", first)
		}

		second, err := s.messages.ListByConversation(ctx, c.ID, 2, 2)
		if err != nil {
			t.Fatalf("ListByConversation: %v", err)
		}
		if len(second) != 1 || second[0].ID != s.id("m3") {
			t.Fatalf("unexpected second page: %+v", second)
		}

		empty, err := s.messages.ListByConversation(ctx, c.ID, 2, 10)
		if err != nil {
			t.Fatalf("ListByConversation: %v", err)
		}
		if len(empty) != 0 {
			t.Fatalf("expected empty page, got %d", len(empty))
		}
	})
}

func runContactContract(t *testing.T, open func(t *testing.T) stores) {
	t.Run("get missing is not found", func(t *testing.T) {
		s := open(t)
		if _, err := s.contacts.Get(context.Background(), s.id("nope")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.contacts.UpdateOnlineStatus(context.Background(), s.id("nope"), true); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.contacts.TouchLastSeen(context.Background(), s.id("nope"), base); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("find by address ignores formatting", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		// Digits unique to this run so a shared database cannot match.
		digits := "3630" + time.Now().UTC().Format("150405.000")[0:6] + "9"
		a := s.contact(t, "a", "+"+digits)
		b := s.contact(t, "b", digits[:2]+" "+digits[2:4]+" "+digits[4:])
		s.contact(t, "z", "+1 555 000 0000")

		got, err := s.contacts.FindByAddress(ctx, digits)
		if err != nil {
			t.Fatalf("FindByAddress: %v", err)
		}
		if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
			t.Fatalf("expected [%s %s], got %+v", a.ID, b.ID, got)
		}

		none, err := s.contacts.FindByAddress(ctx, "not a phone")
		if err != nil {
			t.Fatalf("FindByAddress: %v", err)
		}
		if len(none) != 0 {
			t.Fatalf("expected no match for empty digits, got %+v", none)
		}
	})

	t.Run("touch last seen only moves forward", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		c := s.contact(t, "c1", "+36 30 111 1111")

		if err := s.contacts.TouchLastSeen(ctx, c.ID, base.Add(time.Minute)); err != nil {
			t.Fatalf("TouchLastSeen: %v", err)
		}
		if err := s.contacts.TouchLastSeen(ctx, c.ID, base); err != nil {
			t.Fatalf("TouchLastSeen: %v", err)
		}

		got, err := s.contacts.Get(ctx, c.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.LastSeenAt == nil || !got.LastSeenAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("expected last seen %v, got %v", base.Add(time.Minute), got.LastSeenAt)
		}
	})

	t.Run("online flag and upsert", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		c := s.contact(t, "c1", "+36 30 111 1111")

		if err := s.contacts.UpdateOnlineStatus(ctx, c.ID, true); err != nil {
			t.Fatalf("UpdateOnlineStatus: %v", err)
		}
		got, err := s.contacts.Get(ctx, c.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.IsOnline {
			t.Fatalf("expected contact online")
		}

		c.Name = "renamed"
		if err := s.contacts.Upsert(ctx, c); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		got, err = s.contacts.Get(ctx, c.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Name != "renamed" || got.IsOnline {
			t.Fatalf("expected upsert to replace the row, got %+v", got)
		}

		if err := s.contacts.Upsert(ctx, model.Contact{Phone: "1"}); err == nil {
			t.Fatalf("expected error for empty id")
		}
	})
}
