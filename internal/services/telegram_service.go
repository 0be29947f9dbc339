package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/example/rzshop/internal/models"
)

// TelegramService pushes payment outcome notifications to the operators'
// Telegram chat. With no token configured every call is a no-op.
type TelegramService struct {
	botToken    string
	adminChatID string
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to the specified chat.
func (s *TelegramService) SendMessage(chatID, text string) error {
	if s.botToken == "" {
		return nil
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.botToken)

	msg := telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Telegram] Failed to send message: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Telegram] Unexpected status: %d", resp.StatusCode)
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(text string) error {
	if s.adminChatID == "" {
		return nil
	}
	return s.SendMessage(s.adminChatID, text)
}

// NotifyPaymentOutcome reports an order reaching a final status.
func (s *TelegramService) NotifyPaymentOutcome(order models.Order) error {
	if s.adminChatID == "" {
		return nil
	}

	headline := "PAYMENT FAILED"
	switch order.Status {
	case models.StatusPaid:
		headline = "PAYMENT RECEIVED"
	case models.StatusUnknown:
		headline = "PAYMENT OUTCOME UNCONFIRMED"
	}

	message := fmt.Sprintf(`<b>%s</b>
<b>Order:</b> %s
<b>Amount:</b> NT$%d
<b>Gateway status:</b> %s
<b>Trade no:</b> %s
<b>Payer:</b> %s`,
		headline,
		order.OrderNumber,
		order.Amount,
		order.GatewayStatus,
		order.TradeNo,
		order.Email,
	)

	if order.StatusConflict != "" {
		message += fmt.Sprintf("\n<b>Conflict:</b> %s", order.StatusConflict)
	}

	return s.SendToAdmin(strings.TrimSpace(message))
}
