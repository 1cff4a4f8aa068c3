package executors

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/kalambet/commander/internal/storage"
)

// IMAPConfig holds the IMAP connection used to store drafts.
type IMAPConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	TLS          bool
	DraftsFolder string
}

func (c IMAPConfig) configured() bool { return c.Host != "" && c.Username != "" }

// Drafts stores gmail_create_draft actions in the account's drafts folder.
type Drafts struct {
	cfg    IMAPConfig
	from   string
	logger *slog.Logger
	append func(ctx context.Context, cfg IMAPConfig, folder string, msg []byte) error
}

func NewDrafts(cfg IMAPConfig, from string, logger *slog.Logger) *Drafts {
	if cfg.DraftsFolder == "" {
		cfg.DraftsFolder = "Drafts"
	}
	return &Drafts{cfg: cfg, from: from, logger: logger, append: appendDraft}
}

// Create composes the payload and appends it with the \Draft flag. It
// returns a plain confirmation string.
func (d *Drafts) Create(ctx context.Context, a storage.ProposedAction) (any, error) {
	if !d.cfg.configured() || d.from == "" {
		return nil, ErrNotConfigured{Service: "imap"}
	}
	opts, err := composeOptionsFromPayload(d.from, a.Payload)
	if err != nil {
		return nil, err
	}
	msg, _, err := ComposeMessage(opts)
	if err != nil {
		return nil, err
	}
	if err := d.append(ctx, d.cfg, d.cfg.DraftsFolder, msg); err != nil {
		return nil, err
	}
	d.logger.Info("draft stored", "action_id", a.ID, "folder", d.cfg.DraftsFolder)
	return fmt.Sprintf("Draft saved to %s", d.cfg.DraftsFolder), nil
}

// appendDraft opens a short-lived IMAP session, appends msg and logs out.
func appendDraft(ctx context.Context, cfg IMAPConfig, folder string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	var opts imapclient.Options
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}

	var client *imapclient.Client
	var err error
	if cfg.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}
	defer client.Close()

	// imapclient commands do not take a context; closing the connection
	// unblocks them.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		return fmt.Errorf("login as %s: %w", cfg.Username, err)
	}

	cmd := client.Append(folder, int64(len(msg)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagDraft},
		Time:  time.Now(),
	})
	if _, err := bytes.NewReader(msg).WriteTo(cmd); err != nil {
		return fmt.Errorf("append to %s: %w", folder, err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append to %s: %w", folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append to %s: %w", folder, err)
	}

	if err := client.Logout().Wait(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
