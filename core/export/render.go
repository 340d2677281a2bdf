package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"roomcast/model"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Format 导出格式
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

// ParseFormat 解析格式参数，空值为 JSON
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// Ext 文件扩展名
func (f Format) Ext() string { return string(f) }

// ContentType HTTP 内容类型
func (f Format) ContentType() string {
	switch f {
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	}
	return "application/json"
}

// Render 按格式渲染
func Render(exp *model.RoomExport, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.MarshalIndent(exp, "", "  ")
	case FormatMarkdown:
		return []byte(Markdown(exp)), nil
	case FormatHTML:
		return HTML(exp)
	}
	return nil, fmt.Errorf("unknown export format %q", f)
}

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// HTML Markdown 渲染为 HTML 文档
func HTML(exp *model.RoomExport) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(exp)), &body); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	buf.WriteString(html.EscapeString(exp.Room.Title))
	buf.WriteString("</title></head><body>\n")
	buf.Write(body.Bytes())
	buf.WriteString("</body></html>\n")
	return buf.Bytes(), nil
}

// Markdown 人类可读的房间记录
func Markdown(exp *model.RoomExport) string {
	var b strings.Builder
	room := exp.Room

	fmt.Fprintf(&b, "# %s\n\n", mdText(room.Title))
	fmt.Fprintf(&b, "- Type: %s\n", room.Type)
	fmt.Fprintf(&b, "- Created: %s\n", formatMillis(room.CreatedAt))
	fmt.Fprintf(&b, "- Exported: %s\n", formatMillis(exp.ExportedAt))
	if room.ExtraInfo != "" {
		fmt.Fprintf(&b, "- Info: %s\n", mdText(room.ExtraInfo))
	}
	if np := exp.NowPlaying; np != nil && np.Title != "" {
		fmt.Fprintf(&b, "- Now playing: %s\n", mdText(trackLine(np.Title, np.Artist)))
	}
	b.WriteString("\n")

	b.WriteString("## Users\n\n")
	if len(exp.UserHistory) == 0 {
		b.WriteString("_No users._\n\n")
	} else {
		online := make(map[string]bool, len(exp.Users))
		for _, u := range exp.Users {
			online[u.UserID] = true
		}
		b.WriteString("| User | Role | Online |\n| --- | --- | --- |\n")
		for _, u := range exp.UserHistory {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", cell(u.Username), role(u), yesNo(online[u.UserID]))
		}
		b.WriteString("\n")
	}

	writeTracks(&b, "Playlist", exp.Playlist, true)
	writeTracks(&b, "Queue", exp.Queue, false)

	b.WriteString("## Chat\n\n")
	if len(exp.Messages) == 0 {
		b.WriteString("_No messages._\n\n")
	} else {
		for _, m := range exp.Messages {
			who := m.User.Username
			if m.IsSystem() {
				who = "system"
			}
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", mdText(who), formatMillis(m.Timestamp), mdText(m.Content))
		}
		b.WriteString("\n")
	}

	if n := reactionCount(exp.Reactions); n > 0 {
		fmt.Fprintf(&b, "## Reactions\n\n%d reactions on %d messages and %d tracks.\n\n",
			n, len(exp.Reactions.Message), len(exp.Reactions.Track))
	}

	names := make([]string, 0, len(exp.Plugins))
	for name := range exp.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		section := exp.Plugins[name]
		title := section.Title
		if title == "" {
			title = name
		}
		fmt.Fprintf(&b, "## %s\n\n", mdText(title))
		if section.Markdown != "" {
			b.WriteString(strings.TrimRight(section.Markdown, "\n"))
			b.WriteString("\n\n")
		} else if section.Data != nil {
			data, _ := json.MarshalIndent(section.Data, "", "  ")
			fmt.Fprintf(&b, "```json\n%s\n```\n\n", data)
		}
	}
	return b.String()
}

func writeTracks(b *strings.Builder, title string, items []model.QueueItem, played bool) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if len(items) == 0 {
		b.WriteString("_Empty._\n\n")
		return
	}
	if played {
		b.WriteString("| # | Track | Added by | Played |\n| --- | --- | --- | --- |\n")
	} else {
		b.WriteString("| # | Track | Added by | Added |\n| --- | --- | --- | --- |\n")
	}
	for i, item := range items {
		by := ""
		if item.AddedBy != nil {
			by = item.AddedBy.Username
		}
		at := item.AddedAt
		if played {
			at = item.PlayedAt
		}
		fmt.Fprintf(b, "| %d | %s | %s | %s |\n", i+1,
			cell(trackLine(item.Track.Name, strings.Join(item.Track.Artists, ", "))), cell(by), formatMillis(at))
	}
	b.WriteString("\n")
}

func trackLine(title, artist string) string {
	if title == "" {
		title = "Unknown"
	}
	if artist == "" {
		return title
	}
	return title + " - " + artist
}

func role(u model.User) string {
	switch {
	case u.IsAdmin:
		return "admin"
	case u.IsDeputyDj:
		return "deputy DJ"
	}
	return "listener"
}

func reactionCount(r model.RoomReactions) int {
	n := 0
	for _, group := range []model.ReactionsBySubject{r.Message, r.Track} {
		for _, list := range group {
			n += len(list)
		}
	}
	return n
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05 UTC")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

var mdEscaper = strings.NewReplacer("\\", "\\\\", "*", "\\*", "_", "\\_", "`", "\\`", "<", "&lt;", ">", "&gt;", "\n", " ")

func mdText(s string) string { return mdEscaper.Replace(s) }

func cell(s string) string { return strings.ReplaceAll(mdText(s), "|", "\\|") }
