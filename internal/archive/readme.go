package archive

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// BuildReadme renders the human-readable summary written next to entry.json.
// The layout mirrors the thread body so the Git tree is browsable without
// Discord.
func BuildReadme(data *EntryData, comments []Comment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", data.Name)

	if len(data.Images) > 0 {
		image := data.Images[0]
		fmt.Fprintf(&b, "\n<img alt=\"%s\" src=\"%s?raw=1\">\n", EscapeName(image.Name), encodePath(image.Path))
	}
	if len(data.Authors) > 0 {
		fmt.Fprintf(&b, "\n**Authors:** *%s*\n", joinAuthorNames(data.Authors))
	}
	if len(data.Endorsers) > 0 {
		fmt.Fprintf(&b, "\n**Endorsed by:** *%s*\n", joinAuthorNames(data.Endorsers))
	}
	if len(data.Tags) > 0 {
		names := make([]string, len(data.Tags))
		for i, tag := range data.Tags {
			names[i] = tag.Name
		}
		fmt.Fprintf(&b, "\n**Tags:** *%s*\n", strings.Join(names, ", "))
	}

	b.WriteString(renderRecords(data.Records))

	if len(data.Images) > 1 {
		b.WriteString("\n## Other Images\n")
		for _, image := range data.Images[1:] {
			fmt.Fprintf(&b, "\n<img src=\"%s?raw=1\">\n", encodePath(image.Path))
		}
	}

	if len(data.Attachments) > 0 {
		b.WriteString("\n## Resources\n")
		for _, attachment := range data.Attachments {
			b.WriteString(formatAttachment(attachment) + "\n")
		}
	}

	if len(comments) > 0 {
		b.WriteString("\n## Comments\n")
		for _, comment := range comments {
			date := time.UnixMilli(comment.Timestamp).UTC().Format("2006-01-02")
			fmt.Fprintf(&b, "\n### %s (%s)\n%s\n", comment.Username, date, comment.Content)
		}
	}

	return b.String()
}

// renderRecords emits the schema-defined record sections in stable order.
func renderRecords(records map[string]string) string {
	if len(records) == 0 {
		return ""
	}
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		value := strings.TrimSpace(records[key])
		if value == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", key, value)
	}
	return b.String()
}

func formatAttachment(attachment Attachment) string {
	label := attachment.ContentType
	if label == "" {
		label = "file"
	}
	if attachment.Path != "" {
		return fmt.Sprintf("- [%s](%s): %s", attachment.Name, encodePath(attachment.Path), label)
	}
	return fmt.Sprintf("- [%s](%s): %s", attachment.Name, attachment.URL, label)
}

func joinAuthorNames(authors []Author) string {
	names := make([]string, len(authors))
	for i, author := range authors {
		names[i] = author.Name
	}
	return strings.Join(names, ", ")
}

func encodePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
