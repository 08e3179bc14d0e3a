// Package telegram reads provider signals from chats and uses a control chat
// for commands and as the log sink.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tb "gopkg.in/tucnak/telebot.v2"
)

type Bot struct {
	bot      *tb.Bot
	chat     *tb.Chat
	boot     time.Time
	messages chan string
	log      func(v ...interface{})
}

// New creates a bot whose control chat is chatID. Messages printed to the
// control chat are also written to log.
func New(token string, chatID int64, log func(v ...interface{})) (*Bot, error) {
	b, err := tb.NewBot(tb.Settings{
		Token:  token,
		Poller: &tb.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: couldn't create bot: %w", err)
	}
	chat, err := b.ChatByID(strconv.FormatInt(chatID, 10))
	if err != nil {
		return nil, fmt.Errorf("telegram: couldn't get chat %d: %w", chatID, err)
	}
	return &Bot{
		bot:      b,
		chat:     chat,
		boot:     time.Now(),
		messages: make(chan string, 100),
		log:      log,
	}, nil
}

// HandleChats calls handler with the text of new messages of the signal
// chats. The provider is identified by the chat title.
func (b *Bot) HandleChats(chatIDs []int64, skipReply bool, handler func(provider, text string, at time.Time)) {
	chats := make(map[int64]struct{})
	for _, id := range chatIDs {
		chats[id] = struct{}{}
	}
	b.bot.Handle(tb.OnText, func(m *tb.Message) {
		if _, ok := chats[m.Chat.ID]; !ok {
			return
		}
		if m.Time().Before(b.boot) {
			return
		}
		if m.IsReply() && skipReply {
			return
		}
		provider := m.Chat.Title
		if provider == "" {
			provider = m.Chat.Username
		}
		handler(strings.ToLower(provider), m.Text, m.Time())
	})
}

func (b *Bot) HandleCommand(command string, handler func(string)) {
	b.bot.Handle(fmt.Sprintf("/%s", command), func(m *tb.Message) {
		if m.Chat.ID != b.chat.ID {
			return
		}
		if m.Time().Before(b.boot) {
			return
		}
		handler(m.Payload)
	})
}

func (b *Bot) Run(ctx context.Context) error {
	go b.bot.Start()
	defer b.bot.Stop()
	defer b.bot.Send(b.chat, "🛑 sigbridge stopping")
	var msg string
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg = <-b.messages:
		}
		opts := tb.ModeDefault
		if strings.Contains(msg, "`") {
			opts = tb.ModeMarkdown
		}
		if _, err := b.bot.Send(b.chat, msg, opts); err != nil {
			b.log(fmt.Errorf("telegram: couldn't send message: %w", err))
		}
		select {
		case <-ctx.Done():
			return nil
		// Wait to avoid rate limit errors
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Print logs the message and sends it to the control chat. Messages are
// dropped from the chat if it falls behind.
func (b *Bot) Print(v ...interface{}) {
	b.log(v...)
	msg := strings.TrimSuffix(fmt.Sprintln(v...), "\n")
	select {
	case b.messages <- msg:
	default:
		b.log("telegram: message queue full, dropping message")
	}
}
