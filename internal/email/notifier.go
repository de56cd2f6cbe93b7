package email

import (
	"context"
	"log/slog"
	"time"

	"github.com/ironpbx/ironpbx/internal/events"
	"github.com/ironpbx/ironpbx/internal/store"
	"github.com/ironpbx/ironpbx/internal/voicemail"
)

const sendTimeout = 30 * time.Second

// Notifier watches the event bus for voicemail deposits and emails the
// mailbox owner when their extension carries a notification address.
type Notifier struct {
	sender     *Sender
	extensions store.ExtensionStore
	mailboxes  *voicemail.Store
	logger     *slog.Logger
}

// NewNotifier wires the deposit-to-email bridge.
func NewNotifier(sender *Sender, extensions store.ExtensionStore, mailboxes *voicemail.Store, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender:     sender,
		extensions: extensions,
		mailboxes:  mailboxes,
		logger:     logger.With("component", "email"),
	}
}

// Run consumes deposit events until ctx ends. Each send gets its own
// timeout so one stuck relay connection cannot back up the bus.
func (n *Notifier) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type != events.VoicemailDeposited {
				continue
			}
			n.notify(ctx, ev.Fields["mailbox"])
		}
	}
}

// notify mails the newest unheard message in the mailbox to its owner.
// The deposit event does not carry the message ID; the newest unheard
// entry is the one that fired it.
func (n *Notifier) notify(ctx context.Context, mailbox string) {
	if mailbox == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	to := n.recipientFor(ctx, mailbox)
	if to == "" {
		return
	}

	msgs, err := n.mailboxes.Messages(mailbox)
	if err != nil {
		n.logger.Warn("listing mailbox for notification failed", "mailbox", mailbox, "error", err)
		return
	}
	if len(msgs) == 0 || msgs[0].Heard {
		return
	}
	msg := msgs[0]

	err = n.sender.Send(ctx, Notification{
		To:          to,
		Mailbox:     mailbox,
		Caller:      msg.From,
		CallerName:  msg.CallerName,
		ReceivedAt:  msg.ReceivedAt,
		DurationSec: msg.DurationSec,
		AudioPath:   n.mailboxes.MessagePath(mailbox, msg.ID),
	})
	if err != nil {
		n.logger.Warn("voicemail notification failed",
			"mailbox", mailbox,
			"to", to,
			"error", err,
		)
	}
}

// recipientFor finds the notification address of the extension owning
// the mailbox. Empty when no owner opted in.
func (n *Notifier) recipientFor(ctx context.Context, mailbox string) string {
	exts, err := n.extensions.List(ctx)
	if err != nil {
		n.logger.Warn("listing extensions for notification failed", "error", err)
		return ""
	}
	for i := range exts {
		if exts[i].MailboxID == mailbox && exts[i].NotifyEmail != "" {
			return exts[i].NotifyEmail
		}
	}
	return ""
}
