package services_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/MegaGrindStone/dm-companion/internal/services"
)

type store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, id string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, id string) error
	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
}

func TestBoltDB(t *testing.T) {
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	testStore(t, db)
}

func TestSQLStore(t *testing.T) {
	db, err := services.NewSQLiteStore(filepath.Join(t.TempDir(), "chats.sqlite"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	testStore(t, db)
}

func testStore(t *testing.T, s store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	firstID, err := s.AddChat(ctx, models.Chat{ID: "first", Title: "Fireball", CreatedAt: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("AddChat() error = %v", err)
	}
	secondID, err := s.AddChat(ctx, models.Chat{ID: "second", Title: "Grapple", CreatedAt: now})
	if err != nil {
		t.Fatalf("AddChat() error = %v", err)
	}
	if firstID == secondID {
		t.Fatalf("AddChat() returned duplicate id %q", firstID)
	}

	t.Run("Chats newest first", func(t *testing.T) {
		chats, err := s.Chats(ctx)
		if err != nil {
			t.Fatalf("Chats() error = %v", err)
		}
		if len(chats) != 2 {
			t.Fatalf("Chats() returned %d chats, want 2", len(chats))
		}
		if chats[0].ID != secondID || chats[1].ID != firstID {
			t.Errorf("Chats() order = [%s %s], want [%s %s]", chats[0].ID, chats[1].ID, secondID, firstID)
		}
	})

	t.Run("Chat", func(t *testing.T) {
		chat, err := s.Chat(ctx, firstID)
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if chat.Title != "Fireball" {
			t.Errorf("Chat().Title = %q, want %q", chat.Title, "Fireball")
		}

		if _, err := s.Chat(ctx, "missing"); !errors.Is(err, models.ErrChatNotFound) {
			t.Errorf("Chat(missing) error = %v, want ErrChatNotFound", err)
		}
	})

	t.Run("UpdateChat", func(t *testing.T) {
		err := s.UpdateChat(ctx, models.Chat{ID: firstID, Title: "Fireball rules", Description: "damage"})
		if err != nil {
			t.Fatalf("UpdateChat() error = %v", err)
		}
		chat, err := s.Chat(ctx, firstID)
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if chat.Title != "Fireball rules" || chat.Description != "damage" {
			t.Errorf("Chat() = %+v, want updated title and description", chat)
		}

		if err := s.UpdateChat(ctx, models.Chat{ID: "missing"}); !errors.Is(err, models.ErrChatNotFound) {
			t.Errorf("UpdateChat(missing) error = %v, want ErrChatNotFound", err)
		}
	})

	t.Run("Messages keep insertion order", func(t *testing.T) {
		texts := []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten", "eleven"}
		for i, text := range texts {
			role := models.RoleUser
			if i%2 == 1 {
				role = models.RoleAssistant
			}
			id, err := s.AddMessage(ctx, firstID, models.Message{ID: "m", Role: role, Text: text, Timestamp: now})
			if err != nil {
				t.Fatalf("AddMessage() error = %v", err)
			}
			if !strings.HasSuffix(id, "-m") {
				t.Errorf("AddMessage() id = %q, want sequence prefixed id", id)
			}
		}

		msgs, err := s.Messages(ctx, firstID)
		if err != nil {
			t.Fatalf("Messages() error = %v", err)
		}
		if len(msgs) != len(texts) {
			t.Fatalf("Messages() returned %d messages, want %d", len(msgs), len(texts))
		}
		for i, msg := range msgs {
			if msg.Text != texts[i] {
				t.Errorf("Messages()[%d].Text = %q, want %q", i, msg.Text, texts[i])
			}
		}
		if msgs[1].Role != models.RoleAssistant {
			t.Errorf("Messages()[1].Role = %q, want %q", msgs[1].Role, models.RoleAssistant)
		}

		if _, err := s.AddMessage(ctx, "missing", models.Message{ID: "m"}); !errors.Is(err, models.ErrChatNotFound) {
			t.Errorf("AddMessage(missing) error = %v, want ErrChatNotFound", err)
		}
	})

	t.Run("DeleteChat", func(t *testing.T) {
		if err := s.DeleteChat(ctx, firstID); err != nil {
			t.Fatalf("DeleteChat() error = %v", err)
		}
		if _, err := s.Chat(ctx, firstID); !errors.Is(err, models.ErrChatNotFound) {
			t.Errorf("Chat(deleted) error = %v, want ErrChatNotFound", err)
		}
		if _, err := s.Messages(ctx, firstID); !errors.Is(err, models.ErrChatNotFound) {
			t.Errorf("Messages(deleted) error = %v, want ErrChatNotFound", err)
		}
		if err := s.DeleteChat(ctx, firstID); !errors.Is(err, models.ErrChatNotFound) {
			t.Errorf("DeleteChat(deleted) error = %v, want ErrChatNotFound", err)
		}

		chats, err := s.Chats(ctx)
		if err != nil {
			t.Fatalf("Chats() error = %v", err)
		}
		if len(chats) != 1 || chats[0].ID != secondID {
			t.Errorf("Chats() after delete = %+v, want only %s", chats, secondID)
		}
	})
}
