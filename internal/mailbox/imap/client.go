// Package imap implements mailbox.Client over IMAP4rev1/rev2.
package imap

import (
	"context"
	"fmt"
	"mime"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/orientinsight/bookingmail/internal/mailbox"
	"github.com/orientinsight/bookingmail/internal/model"
)

// maxCached bounds the parsed-message cache. Entries normally leave the
// cache when the message is marked processed.
const maxCached = 256

// Client connects to the IMAP server per operation, matching the poll
// cadence; no idle connection is held between cycles.
type Client struct {
	host             string
	port             string
	username         string
	password         string
	tls              bool
	mailbox          string
	processedKeyword string
	timeout          time.Duration
	maxMessages      int
	log              *zap.Logger

	mu    sync.Mutex
	cache map[uint32]*parsedMessage
}

var _ mailbox.Client = (*Client)(nil)

// NewClient creates an IMAP mailbox client.
func NewClient(cfg model.MailboxConfig, password string, log *zap.Logger) *Client {
	mbox := cfg.Mailbox
	if mbox == "" {
		mbox = "INBOX"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		host:             cfg.Host,
		port:             cfg.Port,
		username:         cfg.Username,
		password:         password,
		tls:              cfg.TLS,
		mailbox:          mbox,
		processedKeyword: cfg.ProcessedKeyword,
		timeout:          timeout,
		maxMessages:      cfg.MaxMessages,
		log:              log.Named("imap"),
		cache:            make(map[uint32]*parsedMessage),
	}
}

// connect dials and authenticates. The returned release func logs out and
// cancels the deadline watcher; callers must always call it.
func (c *Client) connect(ctx context.Context) (*imapclient.Client, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	addr := c.host + ":" + c.port
	opts := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.NewReaderLabel},
	}

	var (
		client *imapclient.Client
		err    error
	)
	if c.tls {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	// go-imap commands are not context-aware; closing the connection
	// unblocks any pending Wait when the deadline passes.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })

	release := func() {
		stop()
		_ = client.Logout().Wait()
		_ = client.Close()
		cancel()
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		release()
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("logging in to IMAP %s: %w", addr, ctx.Err())
		}
		return nil, nil, &mailbox.AuthError{
			Username: c.username,
			Message:  fmt.Sprintf("authentication failed: %v", err),
		}
	}

	return client, release, nil
}

// ListCandidates searches the mailbox for unprocessed messages from the
// allowlist within the window.
func (c *Client) ListCandidates(
	ctx context.Context,
	window time.Duration,
	allow mailbox.AllowList,
) ([]mailbox.MessageRef, error) {
	client, release, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	sel, err := client.Select(c.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("selecting %s: %w", c.mailbox, err)
	}

	criteria := searchCriteria(time.Now().Add(-window), allow, c.processedKeyword)
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	// Oldest first, so a capped batch drains the backlog in order.
	if c.maxMessages > 0 && len(uids) > c.maxMessages {
		uids = uids[:c.maxMessages]
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope: true,
		UID:      true,
	})
	defer fetchCmd.Close()

	refs := make([]mailbox.MessageRef, 0, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			c.log.Warn("collecting envelope", zap.Error(err))
			continue
		}

		var header string
		if buf.Envelope != nil {
			header = buf.Envelope.MessageID
		}
		refs = append(refs, mailbox.MessageRef{
			ID:  stableMessageID(header, sel.UIDValidity, buf.UID),
			UID: uint32(buf.UID),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return refs, fmt.Errorf("fetching envelopes: %w", err)
	}

	return refs, nil
}

// FetchDetail fetches and parses the full message.
func (c *Client) FetchDetail(ctx context.Context, ref mailbox.MessageRef) (*mailbox.MessageDetail, error) {
	pm, err := c.load(ctx, ref)
	if err != nil {
		return nil, err
	}

	attachments := make([]mailbox.Attachment, len(pm.attachments))
	copy(attachments, pm.attachments)

	return &mailbox.MessageDetail{
		Ref:         ref,
		Subject:     pm.subject,
		Sender:      pm.sender,
		Date:        pm.date,
		HTMLBody:    pm.htmlBody,
		Attachments: attachments,
	}, nil
}

// DownloadAttachment returns the decoded bytes of one attachment.
func (c *Client) DownloadAttachment(
	ctx context.Context,
	ref mailbox.MessageRef,
	attachmentID string,
) ([]byte, error) {
	pm, err := c.load(ctx, ref)
	if err != nil {
		return nil, err
	}

	data, err := pm.part(attachmentID)
	if err != nil {
		return nil, fmt.Errorf("downloading from %s: %w", ref.ID, err)
	}
	return data, nil
}

// MarkProcessed adds the processed keyword and \Seen to the message.
func (c *Client) MarkProcessed(ctx context.Context, ref mailbox.MessageRef) error {
	client, release, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := client.Select(c.mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", c.mailbox, err)
	}

	flags := []imap.Flag{imap.FlagSeen}
	if c.processedKeyword != "" {
		flags = append(flags, imap.Flag(c.processedKeyword))
	}

	storeCmd := client.Store(imap.UIDSetNum(imap.UID(ref.UID)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  flags,
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("marking %s processed: %w", ref.ID, err)
	}

	c.mu.Lock()
	delete(c.cache, ref.UID)
	c.mu.Unlock()

	return nil
}

// load returns the parsed message for ref, fetching it on a cache miss.
func (c *Client) load(ctx context.Context, ref mailbox.MessageRef) (*parsedMessage, error) {
	c.mu.Lock()
	pm, ok := c.cache[ref.UID]
	c.mu.Unlock()
	if ok {
		return pm, nil
	}

	raw, err := c.fetchRaw(ctx, ref.UID)
	if err != nil {
		return nil, err
	}

	pm, err = parseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing message %s: %w", ref.ID, err)
	}

	c.mu.Lock()
	if len(c.cache) >= maxCached {
		c.cache = make(map[uint32]*parsedMessage)
	}
	c.cache[ref.UID] = pm
	c.mu.Unlock()

	return pm, nil
}

func (c *Client) fetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	client, release, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := client.Select(c.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", c.mailbox, err)
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message UID %d: %w", uid, err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body", uid)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("closing fetch: %w", err)
	}

	return raw, nil
}
