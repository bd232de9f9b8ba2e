// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"fmt"
	"strings"

	"git.sr.ht/~shulhan/pakakeh.go/lib/email"
	"git.sr.ht/~shulhan/pakakeh.go/lib/mlog"
	"git.sr.ht/~shulhan/pakakeh.go/lib/smtp"
)

// NotifierConfig configures the optional SMTP completion notifier for
// one endpoint (SPEC_FULL.md §12, generalizing the source's
// env_notif.go into a per-endpoint concern). The EndpointWorker calls
// notify directly after each Job finishes.
type NotifierConfig struct {
	SMTPServer string
	SMTPUser   string
	SMTPPass   string
	From       string
	To         []string
}

// notifier emails a Job's uid, status, return code and error lines when
// it completes; the captured stdout lines are not included.
// Grounded on notif_client_smtp.go's clientSMTP, generalized from a
// fixed "on job status" dispatch table to "every completed Job on this
// endpoint".
type notifier struct {
	cfg NotifierConfig
}

func newNotifier(cfg NotifierConfig) (*notifier, error) {
	if cfg.SMTPServer == `` || len(cfg.To) == 0 {
		return nil, ErrConfiguration(`notifier: smtp_server and to are required`)
	}
	return &notifier{cfg: cfg}, nil
}

// notify sends the completion email. Errors are logged, never
// propagated — notification is best-effort and must not affect Job
// state (spec.md §9 callback guidance: a side-effect, not a dependency).
func (n *notifier) notify(job *Job) {
	var snap = job.snapshot(false)

	var msg = email.Message{}
	var err = msg.SetFrom(n.cfg.From)
	if err != nil {
		mlog.Errf(`notifier: %s: %s`, job.UID, err)
		return
	}
	for _, to := range n.cfg.To {
		if err = msg.AddTo(to); err != nil {
			mlog.Errf(`notifier: %s: To %s: %s`, job.UID, to, err)
			return
		}
	}
	msg.SetSubject(fmt.Sprintf(`auton job %s: %s`, snap.UID, snap.Status))
	if err = msg.SetBodyText(buildNotifyBody(snap)); err != nil {
		mlog.Errf(`notifier: %s: %s`, job.UID, err)
		return
	}

	var packed []byte
	packed, err = msg.Pack()
	if err != nil {
		mlog.Errf(`notifier: %s: %s`, job.UID, err)
		return
	}

	var opts = smtp.ClientOptions{
		ServerUrl: n.cfg.SMTPServer,
		AuthUser:  n.cfg.SMTPUser,
		AuthPass:  n.cfg.SMTPPass,
	}

	var conn *smtp.Client
	conn, err = smtp.NewClient(opts)
	if err != nil {
		mlog.Errf(`notifier: %s: %s`, job.UID, err)
		return
	}
	defer func() { _, _ = conn.Quit() }()

	var mailTx = smtp.NewMailTx(n.cfg.From, n.cfg.To, packed)
	if _, err = conn.MailTx(mailTx); err != nil {
		mlog.Errf(`notifier: %s: %s`, job.UID, err)
		return
	}
}

func buildNotifyBody(snap jobSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "uid: %s\nstatus: %s\n", snap.UID, snap.Status)
	if snap.ReturnCode != nil {
		fmt.Fprintf(&b, "return_code: %d\n", *snap.ReturnCode)
	}
	if len(snap.Errors) > 0 {
		b.WriteString("errors:\n")
		for _, e := range snap.Errors {
			b.WriteString("  " + e + "\n")
		}
	}
	return b.String()
}
