package cache

import (
	"context"
	"fmt"

	"roomcast/logger"
	"roomcast/model"

	"github.com/go-redis/redis/v8"
)

// 回应正文与两个索引在同一个 MULTI/EXEC 中增删，不会出现只剩索引的情况；
// 读取时遇到悬空索引（例如正文被单独过期）会顺手清理。

// AddReaction 添加回应，已存在时返回 false
func (s *Store) AddReaction(ctx context.Context, roomID string, r model.Reaction) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if !r.Subject.Type.Valid() {
		return false, fmt.Errorf("invalid reaction subject type %q", r.Subject.Type)
	}

	id := r.Key()
	var added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fmt.Sprintf(reactionBodyKey, roomID, id), map[string]interface{}{
			"emoji":     r.Emoji,
			"userId":    r.UserID,
			"type":      string(r.Subject.Type),
			"subjectId": r.Subject.ID,
		})
		added = pipe.SAdd(ctx, fmt.Sprintf(reactionTypeKey, roomID, r.Subject.Type), id)
		pipe.SAdd(ctx, fmt.Sprintf(reactionTargetKey, roomID, r.Subject.Type, r.Subject.ID), id)
		return nil
	})
	if err != nil {
		return false, err
	}
	return added.Val() > 0, nil
}

// RemoveReaction 删除回应，返回是否确实删除
func (s *Store) RemoveReaction(ctx context.Context, roomID string, r model.Reaction) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}

	id := r.Key()
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, fmt.Sprintf(reactionBodyKey, roomID, id))
		removed = pipe.SRem(ctx, fmt.Sprintf(reactionTypeKey, roomID, r.Subject.Type), id)
		pipe.SRem(ctx, fmt.Sprintf(reactionTargetKey, roomID, r.Subject.Type, r.Subject.ID), id)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// GetReactions 房间全部回应，按类型和对象分组
func (s *Store) GetReactions(ctx context.Context, roomID string) model.RoomReactions {
	result := model.RoomReactions{
		Message: model.ReactionsBySubject{},
		Track:   model.ReactionsBySubject{},
	}
	for _, t := range []model.ReactionSubjectType{model.ReactionSubjectMessage, model.ReactionSubjectTrack} {
		group := result.Message
		if t == model.ReactionSubjectTrack {
			group = result.Track
		}
		ids := s.membersOrEmpty(ctx, fmt.Sprintf(reactionTypeKey, roomID, t))
		for _, r := range s.loadReactions(ctx, roomID, t, nil, ids) {
			group[r.Subject.ID] = append(group[r.Subject.ID], r)
		}
	}
	return result
}

// GetSubjectReactions 单个消息/曲目的回应列表
func (s *Store) GetSubjectReactions(ctx context.Context, roomID string, subject model.ReactionSubject) []model.Reaction {
	ids := s.membersOrEmpty(ctx, fmt.Sprintf(reactionTargetKey, roomID, subject.Type, subject.ID))
	return s.loadReactions(ctx, roomID, subject.Type, &subject, ids)
}

// FilterReactions 按条件过滤回应
func (s *Store) FilterReactions(ctx context.Context, roomID string, filter model.ReactionFilter) []model.Reaction {
	var candidates []model.Reaction
	switch {
	case filter.Type != "" && filter.SubjectID != "":
		candidates = s.GetSubjectReactions(ctx, roomID, model.ReactionSubject{Type: filter.Type, ID: filter.SubjectID})
	case filter.Type != "":
		ids := s.membersOrEmpty(ctx, fmt.Sprintf(reactionTypeKey, roomID, filter.Type))
		candidates = s.loadReactions(ctx, roomID, filter.Type, nil, ids)
	default:
		all := s.GetReactions(ctx, roomID)
		for _, group := range []model.ReactionsBySubject{all.Message, all.Track} {
			for _, list := range group {
				candidates = append(candidates, list...)
			}
		}
	}

	out := make([]model.Reaction, 0, len(candidates))
	for _, r := range candidates {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// loadReactions 读取正文；ids 来自 t 类型的索引，subject 非空时来自该对象的索引
func (s *Store) loadReactions(ctx context.Context, roomID string, t model.ReactionSubjectType, subject *model.ReactionSubject, ids []string) []model.Reaction {
	reactions := make([]model.Reaction, 0, len(ids))
	if len(ids) == 0 || s.ready() != nil {
		return reactions
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf(reactionBodyKey, roomID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("store: load reactions failed", logger.Room(roomID), logger.ErrorField(err))
		return reactions
	}

	var dangling []string
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			dangling = append(dangling, ids[i])
			continue
		}
		reactions = append(reactions, model.Reaction{
			Emoji:  fields["emoji"],
			UserID: fields["userId"],
			Subject: model.ReactionSubject{
				Type: model.ReactionSubjectType(fields["type"]),
				ID:   fields["subjectId"],
			},
		})
	}
	if len(dangling) > 0 {
		s.pruneReactionIndexes(ctx, roomID, t, subject, dangling)
	}
	return reactions
}

// pruneReactionIndexes 清理正文已不存在的索引项。
// 正文已经没了，对象 ID 又可能含 ':'，不从 id 反解，而是按已知的索引删除：
// 不知道具体对象时扫描该类型下全部对象索引。
func (s *Store) pruneReactionIndexes(ctx context.Context, roomID string, t model.ReactionSubjectType, subject *model.ReactionSubject, ids []string) {
	targets := []string{}
	if subject != nil {
		targets = append(targets, fmt.Sprintf(reactionTargetKey, roomID, subject.Type, subject.ID))
	} else {
		keys, err := s.scanKeys(ctx, fmt.Sprintf(reactionTargetKey, roomID, t, "*"))
		if err != nil {
			logger.Warn("store: scan reaction indexes failed", logger.Room(roomID), logger.ErrorField(err))
		}
		targets = append(targets, keys...)
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, fmt.Sprintf(reactionTypeKey, roomID, t), members...)
	for _, key := range targets {
		pipe.SRem(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("store: prune reaction index failed", logger.Room(roomID), logger.ErrorField(err))
		return
	}
	logger.Debug("store: pruned dangling reaction index", logger.Room(roomID), logger.Int("count", len(ids)))
}
