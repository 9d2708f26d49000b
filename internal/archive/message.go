package archive

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"llamabot/archive/internal/discordapi"
)

// ComposeThreadMessages renders the full ordered message set for an entry's
// thread: the main body, a related-servers block when the entry references
// other Discord servers, and the attachment listing and viewer. The result is
// already split at the per-message character cap.
func ComposeThreadMessages(data *EntryData) []string {
	sections := []string{composeBody(data)}

	if invites := composeServerInvites(data); invites != "" {
		sections = append(sections, invites)
	}
	if listing := composeAttachmentListing(data); listing != "" {
		sections = append(sections, listing)
	}
	if viewer := composeAttachmentViewer(data); viewer != "" {
		sections = append(sections, viewer)
	}

	var chunks []string
	for _, section := range sections {
		chunks = append(chunks, ChunkMessage(section, discordapi.MessageLimit)...)
	}
	return chunks
}

func composeBody(data *EntryData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (%s)\n", data.Name, data.Code)
	if len(data.Authors) > 0 {
		fmt.Fprintf(&b, "\n**Authors:** *%s*\n", joinAuthorNames(data.Authors))
	}
	if len(data.Endorsers) > 0 {
		fmt.Fprintf(&b, "\n**Endorsed by:** *%s*\n", joinAuthorNames(data.Endorsers))
	}
	b.WriteString(renderRecords(data.Records))
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func composeServerInvites(data *EntryData) string {
	var lines []string
	seen := map[string]bool{}
	for _, ref := range data.References {
		if ref.Type != RefDiscordServer || ref.URL == "" || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		lines = append(lines, fmt.Sprintf("- [%s](%s)", ref.Name, ref.URL))
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Related Servers\n" + strings.Join(lines, "\n") + "\n"
}

func composeAttachmentListing(data *EntryData) string {
	if len(data.Attachments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Attachments\n")
	for _, attachment := range data.Attachments {
		b.WriteString(formatAttachment(attachment) + "\n")
	}
	return b.String()
}

func composeAttachmentViewer(data *EntryData) string {
	var lines []string
	for _, attachment := range data.Attachments {
		if attachment.Description == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("**%s**: %s", attachment.Name, attachment.Description))
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Details\n" + strings.Join(lines, "\n") + "\n"
}

// ChunkMessage splits text into pieces of at most limit characters,
// preferring newline boundaries and falling back to a hard split for a
// single oversized line.
func ChunkMessage(text string, limit int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	// The limit is Discord's cap in characters, not bytes.
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentRunes := 0
	flush := func() {
		chunks = append(chunks, current.String())
		current.Reset()
		currentRunes = 0
	}
	for _, line := range strings.Split(text, "\n") {
		for utf8.RuneCountInString(line) > limit {
			if currentRunes > 0 {
				flush()
			}
			cut := runeOffset(line, limit)
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		lineRunes := utf8.RuneCountInString(line)
		extra := lineRunes
		if currentRunes > 0 {
			extra++ // joining newline
		}
		if currentRunes+extra > limit {
			flush()
		}
		if currentRunes > 0 {
			current.WriteByte('\n')
			currentRunes++
		}
		current.WriteString(line)
		currentRunes += lineRunes
	}
	if currentRunes > 0 {
		flush()
	}
	return chunks
}

// runeOffset returns the byte offset after the first n runes of s, so a hard
// split never lands inside a multi-byte sequence.
func runeOffset(s string, n int) int {
	seen := 0
	for i := range s {
		if seen == n {
			return i
		}
		seen++
	}
	return len(s)
}
