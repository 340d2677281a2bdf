package builtin

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"roomcast/core/events"
	"roomcast/core/plugin"
	"roomcast/logger"
	"roomcast/model"
)

const SpecialWordsName = "special-words"

// SpecialWordsConfig 需要统计的词
type SpecialWordsConfig struct {
	Enabled  bool     `json:"enabled"`
	Words    []string `json:"words"`
	Announce bool     `json:"announce"`
}

// SpecialWords 统计聊天中出现的特定词，按用户排行
type SpecialWords struct {
	pctx *plugin.Context
}

func NewSpecialWords() *SpecialWords { return &SpecialWords{} }

func (s *SpecialWords) Name() string { return SpecialWordsName }

func (s *SpecialWords) Register(ctx context.Context, pctx *plugin.Context) error {
	s.pctx = pctx
	pctx.Lifecycle.On(events.MessageReceived, s.onMessage)
	return nil
}

func (s *SpecialWords) Cleanup(ctx context.Context) error { return nil }

// CountWords 统计 content 中各目标词出现次数（忽略大小写，按词边界）
func CountWords(content string, words []string) map[string]int {
	targets := make(map[string]string, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			targets[strings.ToLower(w)] = w
		}
	}
	counts := make(map[string]int)
	if len(targets) == 0 {
		return counts
	}
	fields := strings.FieldsFunc(content, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
	for _, f := range fields {
		if orig, ok := targets[strings.ToLower(f)]; ok {
			counts[orig]++
		}
	}
	return counts
}

func (s *SpecialWords) onMessage(ctx context.Context, payload any) error {
	p, ok := payload.(events.MessagePayload)
	if !ok || p.Message.IsSystem() {
		return nil
	}
	var cfg SpecialWordsConfig
	found, err := s.pctx.API.Config(ctx, &cfg)
	if err != nil || !found || !cfg.Enabled {
		return err
	}

	counts := CountWords(p.Message.Content, cfg.Words)
	if len(counts) == 0 {
		return nil
	}
	who := p.Message.User.Username
	if who == "" {
		who = p.Message.User.UserID
	}
	for word, n := range counts {
		total, err := s.pctx.Storage.Incr(ctx, "word:"+strings.ToLower(word), int64(n))
		if err != nil {
			return fmt.Errorf("count %q: %w", word, err)
		}
		if _, err := s.pctx.Storage.ZIncrBy(ctx, "leaderboard", who, float64(n)); err != nil {
			return fmt.Errorf("leaderboard: %w", err)
		}
		if cfg.Announce {
			if err := s.pctx.API.SendSystemMessage(ctx,
				fmt.Sprintf("%s said \"%s\" (%d total)", who, word, total), nil); err != nil {
				logger.Warn("special-words: announce failed", logger.Room(s.pctx.RoomID), logger.ErrorField(err))
			}
		}
	}
	return nil
}

func (s *SpecialWords) AugmentExport(ctx context.Context, exp *model.RoomExport) (model.ExportSection, bool, error) {
	top := s.pctx.Storage.ZTop(ctx, "leaderboard", 10)
	if len(top) == 0 {
		return model.ExportSection{}, false, nil
	}
	var b strings.Builder
	b.WriteString("| User | Words |\n|---|---|\n")
	for _, m := range top {
		fmt.Fprintf(&b, "| %s | %d |\n", m.Member, int(m.Score))
	}
	return model.ExportSection{Title: "Special words", Markdown: b.String(), Data: top}, true, nil
}
