package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/dm-companion/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLStore implements the Store interface on top of gorm, backed either by SQLite or PostgreSQL.
type SQLStore struct {
	db *gorm.DB
}

type chatRecord struct {
	ID          string `gorm:"primaryKey"`
	Title       string
	Description string
	CreatedAt   time.Time `gorm:"index"`
}

func (chatRecord) TableName() string { return "chats" }

type messageRecord struct {
	PK        uint `gorm:"primaryKey"`
	MessageID string
	ChatID    string `gorm:"index:idx_chat_seq,priority:1"`
	Sequence  int    `gorm:"index:idx_chat_seq,priority:2"`
	Role      string
	Text      string
	Timestamp time.Time
}

func (messageRecord) TableName() string { return "messages" }

// NewSQLiteStore opens (or creates) the SQLite database at path.
func NewSQLiteStore(path string) (SQLStore, error) {
	return openSQLStore(sqlite.Open(path))
}

// NewPostgresStore connects to the PostgreSQL database described by dsn.
func NewPostgresStore(dsn string) (SQLStore, error) {
	return openSQLStore(postgres.Open(dsn))
}

func openSQLStore(dialector gorm.Dialector) (SQLStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return SQLStore{}, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&chatRecord{}, &messageRecord{}); err != nil {
		return SQLStore{}, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return SQLStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Chats returns every chat, newest first.
func (s SQLStore) Chats(ctx context.Context) ([]models.Chat, error) {
	var records []chatRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	chats := make([]models.Chat, len(records))
	for i, r := range records {
		chats[i] = r.model()
	}
	return chats, nil
}

// Chat returns the chat with the given ID, or models.ErrChatNotFound.
func (s SQLStore) Chat(ctx context.Context, id string) (models.Chat, error) {
	var r chatRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Chat{}, models.ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to get chat: %w", err)
	}
	return r.model(), nil
}

// AddChat inserts the chat and returns its ID. Chats without an ID get a time based one.
func (s SQLStore) AddChat(ctx context.Context, chat models.Chat) (string, error) {
	if chat.ID == "" {
		chat.ID = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	r := chatRecord{
		ID:          chat.ID,
		Title:       chat.Title,
		Description: chat.Description,
		CreatedAt:   chat.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return "", fmt.Errorf("failed to create chat: %w", err)
	}
	return r.ID, nil
}

// UpdateChat overwrites the title and description of an existing chat.
func (s SQLStore) UpdateChat(ctx context.Context, chat models.Chat) error {
	res := s.db.WithContext(ctx).Model(&chatRecord{}).Where("id = ?", chat.ID).
		Updates(map[string]any{"title": chat.Title, "description": chat.Description})
	if res.Error != nil {
		return fmt.Errorf("failed to update chat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Chat(ctx, chat.ID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChat removes a chat together with its messages.
func (s SQLStore) DeleteChat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&chatRecord{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete chat: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrChatNotFound
		}
		if err := tx.Where("chat_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		return nil
	})
}

// Messages returns the chat's messages in insertion order.
func (s SQLStore) Messages(ctx context.Context, chatID string) ([]models.Message, error) {
	if _, err := s.Chat(ctx, chatID); err != nil {
		return nil, err
	}

	var records []messageRecord
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("sequence ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	messages := make([]models.Message, len(records))
	for i, r := range records {
		messages[i] = models.Message{
			ID:        r.MessageID,
			Role:      models.Role(r.Role),
			Text:      r.Text,
			Timestamp: r.Timestamp,
		}
	}
	return messages, nil
}

// AddMessage appends a message to the chat. The stored ID is prefixed with the message's sequence
// number within the chat.
func (s SQLStore) AddMessage(ctx context.Context, chatID string, message models.Message) (string, error) {
	var newID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&chatRecord{}).Where("id = ?", chatID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check chat: %w", err)
		}
		if count == 0 {
			return models.ErrChatNotFound
		}

		if err := tx.Model(&messageRecord{}).Where("chat_id = ?", chatID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count existing messages: %w", err)
		}
		seq := int(count) + 1
		newID = fmt.Sprintf("%d-%s", seq, message.ID)

		r := messageRecord{
			MessageID: newID,
			ChatID:    chatID,
			Sequence:  seq,
			Role:      string(message.Role),
			Text:      message.Text,
			Timestamp: message.Timestamp,
		}
		if err := tx.Create(&r).Error; err != nil {
			return fmt.Errorf("failed to create message record: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

func (r chatRecord) model() models.Chat {
	return models.Chat{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
	}
}
