package sip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/ironpbx/ironpbx/internal/events"
	"github.com/ironpbx/ironpbx/internal/store"
	"github.com/ironpbx/ironpbx/internal/voicemail"
)

// MWINotifier pushes unsolicited message-summary NOTIFYs (RFC 3842) so
// phones light their message lamp: when a mailbox changes, and when an
// extension registers and needs the current state replayed.
type MWINotifier struct {
	registrar  *Registrar
	ringer     *Ringer
	extensions store.ExtensionStore
	mailboxes  *voicemail.Store
	realm      string
	logger     *slog.Logger
}

// NewMWINotifier wires the message-waiting notifier.
func NewMWINotifier(
	registrar *Registrar,
	ringer *Ringer,
	extensions store.ExtensionStore,
	mailboxes *voicemail.Store,
	realm string,
	logger *slog.Logger,
) *MWINotifier {
	return &MWINotifier{
		registrar:  registrar,
		ringer:     ringer,
		extensions: extensions,
		mailboxes:  mailboxes,
		realm:      realm,
		logger:     logger.With("subsystem", "mwi"),
	}
}

// Run consumes registration events until ctx ends, pushing the current
// summary to every device that (re)registers.
func (n *MWINotifier) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type != events.RegistrationAdded {
				continue
			}
			n.NotifyExtension(ctx, ev.AOR)
		}
	}
}

// MailboxChanged pushes a fresh summary to every extension owning the
// mailbox. Wired into the voicemail flows' change hook.
func (n *MWINotifier) MailboxChanged(mailbox string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exts, err := n.extensions.List(ctx)
	if err != nil {
		n.logger.Warn("listing extensions for mwi failed", "error", err)
		return
	}
	for i := range exts {
		if exts[i].MailboxID == mailbox {
			n.push(ctx, exts[i].Number, mailbox)
		}
	}
}

// NotifyExtension pushes the summary for one extension's mailbox, when
// it has one.
func (n *MWINotifier) NotifyExtension(ctx context.Context, number string) {
	ext, err := n.extensions.Get(ctx, number)
	if err != nil || ext.MailboxID == "" {
		return
	}
	n.push(ctx, number, ext.MailboxID)
}

func (n *MWINotifier) push(ctx context.Context, aor, mailbox string) {
	counts, err := n.mailboxes.CountsFor(mailbox)
	if err != nil {
		n.logger.Warn("mwi counts unavailable", "mailbox", mailbox, "error", err)
		return
	}
	body := messageSummary(counts, aor, n.realm)

	for _, b := range n.registrar.Lookup(aor) {
		n.send(ctx, aor, b, body)
	}
}

// send delivers one NOTIFY to one binding. Out-of-dialog and best
// effort: phones that do not track message state answer 489 and that is
// fine.
func (n *MWINotifier) send(ctx context.Context, aor string, b Binding, body []byte) {
	var recipient sip.Uri
	if err := sip.ParseUri(b.ContactURI, &recipient); err != nil {
		n.logger.Debug("unparseable binding contact",
			"aor", aor,
			"contact", b.ContactURI,
			"error", err,
		)
		return
	}
	if host, port, err := splitTargetHostPort(b.Target); err == nil {
		recipient.Host = host
		recipient.Port = port
	}

	req := sip.NewRequest(sip.NOTIFY, recipient)
	req.SetTransport(normalizeTransport(b.Transport))
	req.AppendHeader(sip.NewHeader("Call-ID", uuid.NewString()))
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: aor, Host: n.realm},
		Params:  sip.HeaderParams{"tag": sip.GenerateTagN(16)},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: aor, Host: n.realm},
		Params:  sip.HeaderParams{},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.NOTIFY})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(sip.NewHeader("Event", "message-summary"))
	req.AppendHeader(sip.NewHeader("Subscription-State", "active"))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/simple-message-summary"))
	req.SetBody(body)

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := n.ringer.SendRequest(sendCtx, req); err != nil {
		n.logger.Debug("mwi notify undeliverable",
			"aor", aor,
			"target", b.Target,
			"error", err,
		)
	}
}

// messageSummary renders an RFC 3842 simple-message-summary body.
func messageSummary(c voicemail.Counts, aor, realm string) []byte {
	waiting := "no"
	if c.New > 0 {
		waiting = "yes"
	}
	return []byte(fmt.Sprintf(
		"Messages-Waiting: %s\r\nMessage-Account: sip:%s@%s\r\nVoice-Message: %d/%d (0/0)\r\n",
		waiting, aor, realm, c.New, c.Old,
	))
}
