package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"roomcast/core/events"
	"roomcast/core/plugin"
	"roomcast/logger"
	"roomcast/model"
)

const VoteSkipName = "vote-skip"

// VoteSkipConfig 房间内的投票跳过配置
type VoteSkipConfig struct {
	Enabled   bool    `json:"enabled"`
	Emoji     string  `json:"emoji"`
	Threshold float64 `json:"threshold"` // 收听用户中需要投票的比例
	MinVotes  int     `json:"minVotes"`
}

func (c *VoteSkipConfig) withDefaults() {
	if c.Emoji == "" {
		c.Emoji = "👎"
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.5
	}
	if c.MinVotes <= 0 {
		c.MinVotes = 2
	}
}

// VotesNeeded 跳过所需票数
func (c VoteSkipConfig) VotesNeeded(listeners int) int {
	need := int(math.Ceil(c.Threshold * float64(listeners)))
	if need < c.MinVotes {
		need = c.MinVotes
	}
	return need
}

// VoteSkip 收听用户对当前曲目投出足够多的指定表情时跳过该曲目
type VoteSkip struct {
	pctx *plugin.Context
}

func NewVoteSkip() *VoteSkip { return &VoteSkip{} }

func (v *VoteSkip) Name() string { return VoteSkipName }

func (v *VoteSkip) Register(ctx context.Context, pctx *plugin.Context) error {
	v.pctx = pctx
	pctx.Lifecycle.On(events.ReactionAdded, v.onReaction)
	return nil
}

func (v *VoteSkip) Cleanup(ctx context.Context) error {
	return nil
}

func (v *VoteSkip) config(ctx context.Context) (VoteSkipConfig, bool) {
	var cfg VoteSkipConfig
	found, err := v.pctx.API.Config(ctx, &cfg)
	if err != nil {
		logger.Warn("vote-skip: bad config", logger.Room(v.pctx.RoomID), logger.ErrorField(err))
		return cfg, false
	}
	if !found || !cfg.Enabled {
		return cfg, false
	}
	cfg.withDefaults()
	return cfg, true
}

func (v *VoteSkip) onReaction(ctx context.Context, payload any) error {
	p, ok := payload.(events.ReactionsPayload)
	if !ok || p.Reaction == nil || p.Reaction.Subject.Type != model.ReactionSubjectTrack {
		return nil
	}
	cfg, enabled := v.config(ctx)
	if !enabled || p.Reaction.Emoji != cfg.Emoji {
		return nil
	}

	trackID := p.Reaction.Subject.ID
	current := v.pctx.API.NowPlaying(ctx)
	if current.TrackID() != trackID {
		return nil
	}
	votes := len(v.pctx.API.Reactions(ctx, model.ReactionFilter{
		Type:      model.ReactionSubjectTrack,
		SubjectID: trackID,
		Emoji:     cfg.Emoji,
	}))
	listeners := len(v.pctx.API.Users(ctx, model.UserStatusListening))
	if listeners == 0 {
		listeners = len(v.pctx.API.Users(ctx, ""))
	}
	if votes < cfg.VotesNeeded(listeners) {
		return nil
	}

	// 并发的投票可能同时达到阈值，先占用再跳过，只有第一个占用者真正执行
	claimed, err := v.pctx.Storage.SAdd(ctx, "skipped", trackID)
	if err != nil {
		return fmt.Errorf("claim skip of %s: %w", trackID, err)
	}
	if claimed == 0 {
		return nil
	}
	skipped, err := v.pctx.API.SkipTrack(ctx, trackID)
	if err != nil || !skipped {
		v.release(ctx, trackID)
		if err != nil {
			return fmt.Errorf("skip track %s: %w", trackID, err)
		}
		return nil
	}
	if _, err := v.pctx.Storage.Incr(ctx, "skips", 1); err != nil {
		logger.Warn("vote-skip: count skip failed", logger.Room(v.pctx.RoomID), logger.ErrorField(err))
	}

	title := trackID
	if current.Track != nil && current.Track.Name != "" {
		title = current.Track.Name
	}
	return v.pctx.API.SendSystemMessage(ctx,
		fmt.Sprintf("%s was skipped by vote (%d/%d)", title, votes, cfg.VotesNeeded(listeners)),
		&model.MessageMeta{Type: "alert", Status: "info", Title: "Vote skip"})
}

// release 跳过没有发生时撤销占用，之后的投票还可以再试
func (v *VoteSkip) release(ctx context.Context, trackID string) {
	if err := v.pctx.Storage.SRem(ctx, "skipped", trackID); err != nil {
		logger.Warn("vote-skip: release claim failed", logger.Room(v.pctx.RoomID), logger.ErrorField(err))
	}
}

// AugmentExport 导出中记录被投票跳过的次数
func (v *VoteSkip) AugmentExport(ctx context.Context, exp *model.RoomExport) (model.ExportSection, bool, error) {
	raw, ok := v.pctx.Storage.Get(ctx, "skips")
	if !ok {
		return model.ExportSection{}, false, nil
	}
	n, _ := strconv.Atoi(raw)
	return model.ExportSection{
		Title:    "Vote skips",
		Markdown: fmt.Sprintf("%d track(s) skipped by vote.", n),
		Data:     map[string]int{"skips": n},
	}, true, nil
}
