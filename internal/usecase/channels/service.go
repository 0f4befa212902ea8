package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"tg-trend-engine/internal/domain"
)

// ErrAliasInvalid возвращается, если строка не похожа на username канала.
var ErrAliasInvalid = errors.New("некорректный алиас")

var aliasRegex = regexp.MustCompile(`(?i)^(?:@|https?://t\.me/|t\.me/)?([a-z0-9_]{5,})$`)

// Service отдаёт каналы для опроса и хранит их доступность по аккаунтам.
type Service struct {
	repo domain.ChannelStateRepo
}

// NewService создаёт новый сервис каналов.
func NewService(repo domain.ChannelStateRepo) *Service {
	return &Service{repo: repo}
}

// ParseAlias приводит ввод пользователя к каноничному алиасу.
func ParseAlias(input string) (string, error) {
	trim := strings.TrimSpace(input)
	matches := aliasRegex.FindStringSubmatch(trim)
	if len(matches) < 2 {
		return "", ErrAliasInvalid
	}
	return strings.ToLower(matches[1]), nil
}

// Targets возвращает доступные каналы аккаунта в стабильном порядке.
func (s *Service) Targets(ctx context.Context, accountID int64) ([]domain.PollTarget, error) {
	all, err := s.repo.ListPollTargets(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("получение каналов аккаунта %d: %w", accountID, err)
	}
	out := make([]domain.PollTarget, 0, len(all))
	for _, t := range all {
		if !t.Accessible {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel.ID < out[j].Channel.ID })
	return out, nil
}

// AccountChannels возвращает все каналы аккаунта вместе с флагом доступности.
func (s *Service) AccountChannels(ctx context.Context, accountID int64) ([]domain.PollTarget, error) {
	all, err := s.repo.ListPollTargets(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("получение каналов аккаунта %d: %w", accountID, err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Channel.ID < all[j].Channel.ID })
	return all, nil
}

// EnsureResolved получает access hash канала, если его ещё нет для аккаунта.
func (s *Service) EnsureResolved(ctx context.Context, session domain.RemoteSession, target domain.PollTarget) (domain.PollTarget, error) {
	if target.AccessHash != 0 && target.Channel.TGChannelID != 0 {
		return target, nil
	}
	if target.Channel.Username != "" {
		alias, err := ParseAlias(target.Channel.Username)
		if err != nil {
			return target, fmt.Errorf("канал %d: %w", target.Channel.ID, err)
		}
		target.Channel.Username = alias
	}
	resolved, err := session.Resolve(ctx, target.Channel)
	if err != nil {
		return target, fmt.Errorf("резолв канала %d: %w", target.Channel.ID, err)
	}
	key := domain.CursorKey{AccountID: target.AccountID, ChannelID: target.Channel.ID}
	if err := s.repo.SaveResolved(ctx, key, resolved); err != nil {
		return target, fmt.Errorf("сохранение канала %d: %w", target.Channel.ID, err)
	}
	target.AccessHash = resolved.AccessHash
	target.Channel.TGChannelID = resolved.TGChannelID
	if resolved.Title != "" {
		target.Channel.Title = resolved.Title
	}
	if resolved.Visibility != "" {
		target.Channel.Visibility = resolved.Visibility
	}
	return target, nil
}

// MarkInaccessible помечает канал недоступным для аккаунта.
func (s *Service) MarkInaccessible(ctx context.Context, key domain.CursorKey, reason string) error {
	if err := s.repo.MarkInaccessible(ctx, key, reason); err != nil {
		return fmt.Errorf("пометка канала %d недоступным: %w", key.ChannelID, err)
	}
	return nil
}
