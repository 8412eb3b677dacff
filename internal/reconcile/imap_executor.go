package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailindex/internal/model"
)

// ErrIMAPMessageNotFound is returned when no message in the searched
// mailboxes carries the requested Message-ID.
var ErrIMAPMessageNotFound = errors.New("message not found on IMAP server")

// mailSession is the slice of an IMAP connection the executor drives.
type mailSession interface {
	Find(mailbox, messageID string) ([]imap.UID, error)
	Move(uids []imap.UID, dest string) error
	FlagDeleted(uids []imap.UID) error
	Logout()
}

// IMAPExecutor carries out actions on an IMAP server by locating the
// message through its Message-ID header.
type IMAPExecutor struct {
	host     string
	port     string
	username string
	password string
	tls      bool

	archiveMailbox string
	trashMailbox   string
	searchIn       []string

	dial func(ctx context.Context) (mailSession, error)
}

// NewIMAPExecutor creates an executor for the account in cfg.
func NewIMAPExecutor(cfg model.IMAPConfig, password string) *IMAPExecutor {
	e := &IMAPExecutor{
		host:           cfg.Host,
		port:           cfg.Port,
		username:       cfg.Username,
		password:       password,
		tls:            cfg.TLS,
		archiveMailbox: cfg.ArchiveMailbox,
		trashMailbox:   cfg.TrashMailbox,
		searchIn:       []string{"INBOX"},
	}
	if e.port == "" {
		e.port = "993"
	}
	if e.archiveMailbox == "" {
		e.archiveMailbox = "Archive"
	}
	if e.trashMailbox == "" {
		e.trashMailbox = "Trash"
	}
	e.dial = e.dialSession
	return e
}

func (e *IMAPExecutor) dialSession(ctx context.Context) (mailSession, error) {
	client, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &imapSession{client: client}, nil
}

// connect establishes a connection to the IMAP server and authenticates.
// The caller is responsible for logging out.
func (e *IMAPExecutor) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := e.host + ":" + e.port

	var client *imapclient.Client
	var err error

	if e.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(e.username, e.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authenticating %s: %w", e.username, err)
	}

	return client, nil
}

// ExecuteAction moves the message to the archive or trash mailbox. If the
// server refuses to move it to trash the message is flagged \Deleted in
// place instead. A message already in the destination counts as done, so a
// retry after an interrupted settle succeeds without touching it again.
func (e *IMAPExecutor) ExecuteAction(ctx context.Context, cmd Command) (string, error) {
	dest := e.destination(cmd.Action)
	if dest == "" {
		return "", fmt.Errorf("unsupported action %q", cmd.Action)
	}

	sess, err := e.dial(ctx)
	if err != nil {
		return "", err
	}
	defer sess.Logout()

	for _, mailbox := range e.searchIn {
		if mailbox == dest {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		uids, err := sess.Find(mailbox, cmd.MessageID)
		if err != nil {
			return "", err
		}
		if len(uids) == 0 {
			continue
		}

		if err := sess.Move(uids, dest); err == nil {
			return dest, nil
		} else if cmd.Action != model.SyncActionDelete {
			return "", fmt.Errorf("moving message to %s: %w", dest, err)
		}

		// Fallback: mark as deleted
		if err := sess.FlagDeleted(uids); err != nil {
			return "", fmt.Errorf("flagging message deleted: %w", err)
		}
		return mailbox, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	uids, err := sess.Find(dest, cmd.MessageID)
	if err != nil {
		return "", err
	}
	if len(uids) > 0 {
		return dest, nil
	}

	return "", fmt.Errorf("%w: <%s>", ErrIMAPMessageNotFound, cmd.MessageID)
}

func (e *IMAPExecutor) destination(action model.SyncAction) string {
	switch action {
	case model.SyncActionArchive:
		return e.archiveMailbox
	case model.SyncActionDelete:
		return e.trashMailbox
	}
	return ""
}

type imapSession struct {
	client *imapclient.Client
}

// Find selects mailbox and searches it for messageID.
func (s *imapSession) Find(mailbox, messageID string) ([]imap.UID, error) {
	if _, err := s.client.Select(mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", mailbox, err)
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-ID", Value: "<" + messageID + ">"},
		},
	}

	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", mailbox, err)
	}

	return searchData.AllUIDs(), nil
}

func (s *imapSession) Move(uids []imap.UID, dest string) error {
	_, err := s.client.Move(imap.UIDSetNum(uids...), dest).Wait()
	return err
}

func (s *imapSession) FlagDeleted(uids []imap.UID) error {
	return s.client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
}

func (s *imapSession) Logout() {
	_ = s.client.Logout().Wait()
}
