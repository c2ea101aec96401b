package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/bdobrica/Kotodama/common/retry"
	"github.com/bdobrica/Kotodama/internal/kotodama/chatfilter"
	"github.com/bdobrica/Kotodama/internal/kotodama/session"
)

// Disconnect reasons reported by the engine.
const (
	ReasonLoggedOut      = "LOGOUT"
	ReasonReplaced       = "CONFLICT"
	ReasonBanned         = "TEMPORARY_BAN"
	ReasonConnectFailure = "CONNECT_FAILURE"
	ReasonOutdated       = "CLIENT_OUTDATED"
	ReasonQRTimeout      = "QR_TIMEOUT"
)

// ErrNoClient is returned by Send before Start or after Stop.
var ErrNoClient = errors.New("whatsapp: client not running")

// DeviceStore remembers which linked device belongs to which user.
type DeviceStore interface {
	LookupDevice(ctx context.Context, userID string) (string, error)
	SaveDevice(ctx context.Context, userID, jid string) error
	ForgetDevice(ctx context.Context, userID string) error
}

// Config is shared by every engine built by a factory.
type Config struct {
	Container *sqlstore.Container
	Devices   DeviceStore
	// Log receives whatsmeow's own logging. Defaults to a no-op logger.
	Log waLog.Logger
}

// NewFactory returns a session.EngineFactory producing whatsmeow engines.
func NewFactory(cfg Config) session.EngineFactory {
	if cfg.Log == nil {
		cfg.Log = waLog.Noop
	}
	return func(userID string, emit func(session.Event)) (session.Engine, error) {
		if cfg.Container == nil {
			return nil, errors.New("whatsapp: no device container")
		}
		return newEngine(userID, cfg, emit), nil
	}
}

// Engine is one user's whatsmeow connection.
type Engine struct {
	userID    string
	container *sqlstore.Container
	devices   DeviceStore
	waLog     waLog.Logger
	emit      func(session.Event)
	log       *slog.Logger

	// announced is set once authenticated has been emitted, so reconnects
	// and the Connected event after PairSuccess only report ready.
	announced atomic.Bool

	mu        sync.Mutex
	client    *whatsmeow.Client
	handlerID uint32
	cancelQR  context.CancelFunc
}

var (
	_ session.Engine   = (*Engine)(nil)
	_ session.Unlinker = (*Engine)(nil)
)

func newEngine(userID string, cfg Config, emit func(session.Event)) *Engine {
	return &Engine{
		userID:    userID,
		container: cfg.Container,
		devices:   cfg.Devices,
		waLog:     cfg.Log,
		emit:      emit,
		log:       slog.Default().With("user_id", userID, "component", "whatsapp"),
	}
}

// device loads the user's linked device, or a fresh one when none is known.
func (e *Engine) device(ctx context.Context) (*store.Device, error) {
	if e.devices != nil {
		raw, err := e.devices.LookupDevice(ctx, e.userID)
		if err != nil {
			return nil, err
		}
		if raw != "" {
			jid, err := types.ParseJID(raw)
			if err != nil {
				e.log.Warn("stored device id is invalid; linking a new device", "jid", raw, "err", err)
			} else {
				dev, err := e.container.GetDevice(ctx, jid)
				if err != nil {
					return nil, fmt.Errorf("load device: %w", err)
				}
				if dev != nil {
					return dev, nil
				}
				e.log.Info("linked device no longer in store; linking a new device", "jid", raw)
			}
		}
	}
	return e.container.NewDevice(), nil
}

// Start connects the client. An unlinked device starts the QR flow, whose
// codes arrive as credential events.
func (e *Engine) Start(ctx context.Context) error {
	dev, err := e.device(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: %w", err)
	}

	client := whatsmeow.NewClient(dev, e.waLog.Sub("Client"))
	handlerID := client.AddEventHandler(e.handle)

	var qr <-chan whatsmeow.QRChannelItem
	qrCtx, cancelQR := context.WithCancel(context.Background())
	if client.Store.ID == nil {
		qr, err = client.GetQRChannel(qrCtx)
		if err != nil {
			cancelQR()
			client.RemoveEventHandler(handlerID)
			return fmt.Errorf("whatsapp: qr channel: %w", err)
		}
	}

	e.mu.Lock()
	e.client = client
	e.handlerID = handlerID
	e.cancelQR = cancelQR
	e.mu.Unlock()

	if err := retry.Do(ctx, retry.DefaultConfig, client.Connect); err != nil {
		e.teardown()
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	if qr != nil {
		go e.watchQR(qr)
	}
	e.log.Info("client started", "linked", client.Store.ID != nil)
	return nil
}

func (e *Engine) watchQR(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			e.emit(session.Event{Kind: session.EventCredential, Code: item.Code})
		case "success":
			// PairSuccess arrives through the event handler.
		case "timeout":
			e.log.Info("qr code expired without being scanned")
			e.emit(session.Event{Kind: session.EventDisconnected, Reason: ReasonQRTimeout})
		case whatsmeow.QRChannelEventError:
			e.log.Warn("qr pairing failed", "err", item.Error)
			e.emit(session.Event{Kind: session.EventDisconnected, Reason: ReasonConnectFailure})
		default:
			e.log.Warn("qr pairing failed", "event", item.Event)
			e.emit(session.Event{Kind: session.EventDisconnected, Reason: strings.ToUpper(strings.TrimPrefix(item.Event, "err-"))})
		}
	}
}

// handle maps whatsmeow events onto session events.
func (e *Engine) handle(evt any) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		if e.devices != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.devices.SaveDevice(ctx, e.userID, v.ID.String()); err != nil {
				e.log.Error("failed to remember linked device", "err", err)
			}
			cancel()
		}
		e.log.Info("device linked", "jid", v.ID.String(), "platform", v.Platform)
		e.announced.Store(true)
		e.emit(session.Event{Kind: session.EventAuthenticated})

	case *events.Connected:
		if e.announced.CompareAndSwap(false, true) {
			e.emit(session.Event{Kind: session.EventAuthenticated})
		}
		e.emit(session.Event{Kind: session.EventReady})

	case *events.LoggedOut:
		e.log.Warn("device was logged out", "reason", v.Reason, "on_connect", v.OnConnect)
		e.forget()
		e.emit(session.Event{Kind: session.EventDisconnected, Reason: ReasonLoggedOut})

	case *events.StreamReplaced:
		e.log.Warn("connection replaced by another client")
		e.emit(session.Event{Kind: session.EventDisconnected, Reason: ReasonReplaced})

	case *events.TemporaryBan:
		e.log.Warn("account temporarily banned", "code", v.Code, "expire", v.Expire)
		e.emit(session.Event{Kind: session.EventDisconnected, Reason: ReasonBanned})

	case *events.ConnectFailure:
		e.log.Warn("connect failure", "reason", v.Reason, "message", v.Message)
		e.emit(session.Event{Kind: session.EventDisconnected, Reason: ReasonConnectFailure})

	case *events.ClientOutdated:
		e.log.Error("client version rejected by server")
		e.emit(session.Event{Kind: session.EventDisconnected, Reason: ReasonOutdated})

	case *events.Disconnected:
		e.log.Info("socket disconnected; whatsmeow will reconnect")

	case *events.Message:
		if msg := inbound(v); msg != nil {
			e.emit(session.Event{Kind: session.EventMessage, Message: msg})
		}
	}
}

func (e *Engine) forget() {
	if e.devices == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.devices.ForgetDevice(ctx, e.userID); err != nil {
		e.log.Error("failed to forget device", "err", err)
	}
}

// inbound converts a whatsmeow message to the session shape. Messages with
// no text body are ignored.
func inbound(v *events.Message) *session.InboundMessage {
	text := messageText(v.Message)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	isGroup := v.Info.IsGroup
	isNewsletter := v.Info.Chat.Server == types.NewsletterServer
	return &session.InboundMessage{
		ID: v.Info.ID,
		Chat: chatfilter.Chat{
			ID:           v.Info.Chat.String(),
			IsGroup:      &isGroup,
			IsNewsletter: &isNewsletter,
		},
		SenderID:   v.Info.Sender.String(),
		SenderName: v.Info.PushName,
		Text:       text,
		FromMe:     v.Info.IsFromMe,
		Timestamp:  v.Info.Timestamp,
	}
}

func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if s := m.GetConversation(); s != "" {
		return s
	}
	return m.GetExtendedTextMessage().GetText()
}

// Send delivers a text message to conversationID (a JID string).
func (e *Engine) Send(ctx context.Context, conversationID, text string) error {
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid conversation %q: %w", conversationID, err)
	}
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return ErrNoClient
	}
	if _, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	return nil
}

// Stop disconnects without removing the linked device.
func (e *Engine) Stop(ctx context.Context) error {
	e.teardown()
	return nil
}

// Unlink logs the device out of the account and forgets it.
func (e *Engine) Unlink(ctx context.Context) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	var err error
	if client != nil && client.Store.ID != nil {
		if lerr := client.Logout(ctx); lerr != nil {
			err = fmt.Errorf("whatsapp: logout: %w", lerr)
		}
	}
	e.forget()
	e.announced.Store(false)
	return err
}

func (e *Engine) teardown() {
	e.mu.Lock()
	client, id, cancel := e.client, e.handlerID, e.cancelQR
	e.client, e.cancelQR = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client == nil {
		return
	}
	client.RemoveEventHandler(id)
	client.Disconnect()
	e.log.Info("client stopped")
}
