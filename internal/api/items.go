package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/gin-gonic/gin"
)

const maxTitleLength = 255

func (a API) handleListItems(c *gin.Context) {
	skip, err := queryInt(c, "skip", defaultSkip)
	if err != nil {
		a.fail(c, http.StatusBadRequest, "Invalid skip", err)
		return
	}
	limit, err := queryInt(c, "limit", defaultLimit)
	if err != nil {
		a.fail(c, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	chats, err := a.store.Chats(c.Request.Context())
	if err != nil {
		a.fail(c, http.StatusInternalServerError, "Failed to get chats", err)
		return
	}

	start := min(skip, len(chats))
	end := start + min(limit, len(chats)-start)
	page := chats[start:end]
	if page == nil {
		page = []models.Chat{}
	}

	c.JSON(http.StatusOK, models.ChatList{Data: page, Count: len(chats)})
}

func (a API) handleCreateItem(c *gin.Context) {
	var in models.ChatUpdate
	if err := c.ShouldBindJSON(&in); err != nil {
		a.fail(c, http.StatusBadRequest, detailInvalidBody, err)
		return
	}
	if in.Title == nil {
		a.fail(c, http.StatusBadRequest, "Title is required", nil)
		return
	}

	chat := models.Chat{
		ID:        a.newID(),
		CreatedAt: a.now(),
	}
	if !applyUpdate(&chat, in) {
		a.fail(c, http.StatusBadRequest, "Title must be between 1 and 255 characters", nil)
		return
	}

	id, err := a.store.AddChat(c.Request.Context(), chat)
	if err != nil {
		a.fail(c, http.StatusInternalServerError, "Failed to create chat", err)
		return
	}
	chat.ID = id

	c.JSON(http.StatusOK, chat)
}

func (a API) handleGetItem(c *gin.Context) {
	chat, ok := a.item(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (a API) handleUpdateItem(c *gin.Context) {
	chat, ok := a.item(c)
	if !ok {
		return
	}

	var in models.ChatUpdate
	if err := c.ShouldBindJSON(&in); err != nil {
		a.fail(c, http.StatusBadRequest, detailInvalidBody, err)
		return
	}
	if !applyUpdate(&chat, in) {
		a.fail(c, http.StatusBadRequest, "Title must be between 1 and 255 characters", nil)
		return
	}

	if err := a.store.UpdateChat(c.Request.Context(), chat); err != nil {
		a.storeError(c, err, "Failed to update chat")
		return
	}

	c.JSON(http.StatusOK, chat)
}

func (a API) handleDeleteItem(c *gin.Context) {
	if err := a.store.DeleteChat(c.Request.Context(), c.Param("id")); err != nil {
		a.storeError(c, err, "Failed to delete chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Item deleted successfully"})
}

func (a API) handleItemMessages(c *gin.Context) {
	msgs, err := a.store.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.storeError(c, err, "Failed to get messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, models.MessageList{Data: msgs, Count: len(msgs)})
}

func (a API) item(c *gin.Context) (models.Chat, bool) {
	chat, err := a.store.Chat(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.storeError(c, err, "Failed to get chat")
		return models.Chat{}, false
	}
	return chat, true
}

func (a API) storeError(c *gin.Context, err error, msg string) {
	if errors.Is(err, models.ErrChatNotFound) {
		a.fail(c, http.StatusNotFound, detailItemNotFound, err)
		return
	}
	a.fail(c, http.StatusInternalServerError, msg, err)
}

// applyUpdate copies the set fields of in onto chat. It reports false when the new title is blank or too
// long.
func applyUpdate(chat *models.Chat, in models.ChatUpdate) bool {
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" || len([]rune(title)) > maxTitleLength {
			return false
		}
		chat.Title = title
	}
	if in.Description != nil {
		chat.Description = *in.Description
	}
	return true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
