package reconcile

import (
	"fmt"
	"strings"

	"github.com/nhle/mailindex/internal/model"
)

// Command is one external mailbox action, addressed by Message-ID without
// its angle brackets. Script is the AppleScript rendering of the action for
// executors that drive the mail client.
type Command struct {
	Action    model.SyncAction
	MessageID string
	Script    string
}

const archiveScript = `tell application "Mail"
	repeat with acct in accounts
		repeat with mbx in mailboxes of acct
			set found to (messages of mbx whose message id is "%[1]s")
			if (count of found) > 0 then
				set target to mailbox "Archive" of acct
				if name of mbx is name of target then return name of target
				repeat with msg in found
					set mailbox of msg to target
				end repeat
				return name of target
			end if
		end repeat
	end repeat
	error "message not found"
end tell`

const deleteScript = `tell application "Mail"
	if (count of (messages of trash mailbox whose message id is "%[1]s")) > 0 then
		return name of trash mailbox
	end if
	repeat with acct in accounts
		repeat with mbx in mailboxes of acct
			set found to (messages of mbx whose message id is "%[1]s")
			if (count of found) > 0 then
				repeat with msg in found
					delete msg
				end repeat
				return name of trash mailbox
			end if
		end repeat
	end repeat
	error "message not found"
end tell`

// BuildCommand renders the command for action on the message with the
// given Message-ID. Brackets around the id are removed.
func BuildCommand(action model.SyncAction, messageID string) (Command, error) {
	id := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(messageID), "<"), ">")
	if id == "" {
		return Command{}, ErrNoMessageIDAvailable
	}

	var tmpl string
	switch action {
	case model.SyncActionArchive:
		tmpl = archiveScript
	case model.SyncActionDelete:
		tmpl = deleteScript
	default:
		return Command{}, fmt.Errorf("unsupported action %q", action)
	}

	return Command{
		Action:    action,
		MessageID: id,
		Script:    fmt.Sprintf(tmpl, escapeAppleScript(id)),
	}, nil
}

var appleScriptEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// escapeAppleScript makes s safe inside an AppleScript string literal.
func escapeAppleScript(s string) string {
	return appleScriptEscaper.Replace(s)
}
