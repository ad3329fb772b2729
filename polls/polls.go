package polls

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/tcriess/lightspeed-live/clock"
	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/types"
)

var (
	ErrUnknownPoll = errors.New("unknown poll")
	ErrNotOpen     = errors.New("poll does not accept votes")
	ErrInvalidVote = errors.New("invalid vote")
	ErrInvalid     = errors.New("invalid poll")
)

var (
	validStates = []string{types.PollStateDraft, types.PollStateOpen, types.PollStateClosed, types.PollStateArchived}
	validTypes  = []string{types.PollTypeChoice, types.PollTypeMultiple}
)

// View is a poll as sent to clients. Results is only set when the reader may see them, Answers only
// when the reader voted.
type View struct {
	*types.Poll
	Results map[string]int64 `json:"results,omitempty"`
	Answers []string         `json:"answers,omitempty"`
}

type OptionInput struct {
	Id      string `mapstructure:"id" json:"id,omitempty"`
	Content string `mapstructure:"content" json:"content" validate:"max=1000"`
	Order   int    `mapstructure:"order" json:"order"`
}

// Input carries the fields of a create or update. Nil fields are left unchanged on update.
type Input struct {
	Content  *string       `mapstructure:"content" validate:"omitempty,max=5000"`
	State    *string       `mapstructure:"state" validate:"omitempty,oneof=draft open closed archived"`
	PollType *string       `mapstructure:"poll_type" validate:"omitempty,oneof=choice multiple"`
	Options  []OptionInput `mapstructure:"options" validate:"omitempty,dive"`
}

type Service struct {
	db     *gorm.DB
	clock  clock.Clock
	logger hclog.Logger
}

func New(db *gorm.DB, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{db: db, clock: clk, logger: globals.AppLogger.Named("polls")}
}

// IsPrivileged reports whether changes to a poll in this state only go to room moderators.
func IsPrivileged(state string) bool {
	return state == types.PollStateDraft || state == types.PollStateArchived
}

func (s *Service) Create(ctx context.Context, roomId string, in Input) (*View, error) {
	poll := &types.Poll{
		Id:        uuid.NewString(),
		RoomId:    roomId,
		State:     types.PollStateDraft,
		PollType:  types.PollTypeChoice,
		Timestamp: s.clock.Now(),
	}
	if err := applyInput(poll, in); err != nil {
		return nil, err
	}
	for i, o := range in.Options {
		poll.Options = append(poll.Options, types.PollOption{
			Id:      uuid.NewString(),
			PollId:  poll.Id,
			Content: o.Content,
			Order:   lo.Ternary(o.Order != 0, o.Order, i+1),
		})
	}
	if err := s.db.WithContext(ctx).Create(poll).Error; err != nil {
		return nil, err
	}
	s.logger.Debug("poll created", "room", roomId, "poll", poll.Id)
	return &View{Poll: poll, Results: emptyResults(poll)}, nil
}

// Update changes poll fields. When Options is given it replaces the option list: options with a
// known id are kept (votes included), the others are removed along with their votes.
func (s *Service) Update(ctx context.Context, roomId, id string, in Input) (*View, error) {
	var poll *types.Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		poll, err = load(tx, roomId, id)
		if err != nil {
			return err
		}
		if err := applyInput(poll, in); err != nil {
			return err
		}
		if err := tx.Model(poll).Select("content", "state", "poll_type").Updates(poll).Error; err != nil {
			return err
		}
		if in.Options == nil {
			return nil
		}
		existing := lo.SliceToMap(poll.Options, func(o types.PollOption) (string, types.PollOption) { return o.Id, o })
		var kept []types.PollOption
		for i, o := range in.Options {
			opt := types.PollOption{PollId: poll.Id, Content: o.Content, Order: lo.Ternary(o.Order != 0, o.Order, i+1)}
			if _, ok := existing[o.Id]; ok {
				opt.Id = o.Id
				if err := tx.Model(&types.PollOption{}).Where("id = ?", o.Id).
					Updates(map[string]interface{}{"content": opt.Content, "sort_order": opt.Order}).Error; err != nil {
					return err
				}
				delete(existing, o.Id)
			} else {
				opt.Id = uuid.NewString()
				if err := tx.Create(&opt).Error; err != nil {
					return err
				}
			}
			kept = append(kept, opt)
		}
		if stale := lo.Keys(existing); len(stale) > 0 {
			if err := tx.Where("option_id IN ?", stale).Delete(&types.PollVote{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", stale).Delete(&types.PollOption{}).Error; err != nil {
				return err
			}
		}
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Order < kept[j].Order })
		poll.Options = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	results, err := s.Results(ctx, poll)
	if err != nil {
		return nil, err
	}
	return &View{Poll: poll, Results: results}, nil
}

func (s *Service) Delete(ctx context.Context, roomId, id string) (*types.Poll, error) {
	var poll *types.Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		poll, err = load(tx, roomId, id)
		if err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", id).Delete(&types.PollVote{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", id).Delete(&types.PollOption{}).Error; err != nil {
			return err
		}
		return tx.Delete(poll).Error
	})
	return poll, err
}

func (s *Service) Get(ctx context.Context, roomId, id string) (*View, error) {
	poll, err := load(s.db.WithContext(ctx), roomId, id)
	if err != nil {
		return nil, err
	}
	results, err := s.Results(ctx, poll)
	if err != nil {
		return nil, err
	}
	return &View{Poll: poll, Results: results}, nil
}

// List returns the polls of a room as seen by a user. Moderators see every poll and all results,
// others only open and closed polls and results of polls they voted in.
func (s *Service) List(ctx context.Context, roomId, userId string, moderator bool) ([]*View, error) {
	var polls []*types.Poll
	q := s.db.WithContext(ctx).Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order") }).
		Where("room_id = ?", roomId)
	if !moderator {
		q = q.Where("state IN ?", []string{types.PollStateOpen, types.PollStateClosed})
	}
	if err := q.Order("polls.timestamp").Find(&polls).Error; err != nil {
		return nil, err
	}
	if len(polls) == 0 {
		return []*View{}, nil
	}
	ids := lo.Map(polls, func(p *types.Poll, _ int) string { return p.Id })

	var own []types.PollVote
	if err := s.db.WithContext(ctx).Where("poll_id IN ? AND user_id = ?", ids, userId).Find(&own).Error; err != nil {
		return nil, err
	}
	answers := lo.GroupBy(own, func(v types.PollVote) string { return v.PollId })

	counts, err := s.counts(s.db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}

	views := make([]*View, 0, len(polls))
	for _, p := range polls {
		v := &View{Poll: p}
		if a, ok := answers[p.Id]; ok {
			v.Answers = lo.Map(a, func(v types.PollVote, _ int) string { return v.OptionId })
		}
		if moderator || v.Answers != nil {
			v.Results = resultsFor(p, counts)
		}
		views = append(views, v)
	}
	return views, nil
}

// Vote replaces the user's votes on a poll. A choice poll takes exactly one option, a multiple poll
// at least one.
func (s *Service) Vote(ctx context.Context, roomId, id, userId string, optionIds []string) (*View, error) {
	var poll *types.Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		poll, err = load(tx, roomId, id)
		if err != nil {
			return err
		}
		if poll.State != types.PollStateOpen {
			return ErrNotOpen
		}
		optionIds = lo.Uniq(optionIds)
		if len(optionIds) == 0 || (poll.PollType == types.PollTypeChoice && len(optionIds) != 1) {
			return fmt.Errorf("%w: wrong number of options", ErrInvalidVote)
		}
		known := lo.Map(poll.Options, func(o types.PollOption, _ int) string { return o.Id })
		if unknown, _ := lo.Difference(optionIds, known); len(unknown) > 0 {
			return fmt.Errorf("%w: unknown option %s", ErrInvalidVote, unknown[0])
		}
		if err := tx.Where("poll_id = ? AND user_id = ?", id, userId).Delete(&types.PollVote{}).Error; err != nil {
			return err
		}
		votes := lo.Map(optionIds, func(o string, _ int) types.PollVote {
			return types.PollVote{PollId: id, OptionId: o, UserId: userId}
		})
		return tx.Create(&votes).Error
	})
	if err != nil {
		return nil, err
	}
	results, err := s.Results(ctx, poll)
	if err != nil {
		return nil, err
	}
	return &View{Poll: poll, Results: results, Answers: optionIds}, nil
}

// Pin pins a poll and unpins every other poll of the room.
func (s *Service) Pin(ctx context.Context, roomId, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := load(tx, roomId, id); err != nil {
			return err
		}
		if err := tx.Model(&types.Poll{}).Where("room_id = ? AND id <> ?", roomId, id).
			Update("is_pinned", false).Error; err != nil {
			return err
		}
		return tx.Model(&types.Poll{}).Where("id = ?", id).Update("is_pinned", true).Error
	})
}

func (s *Service) Unpin(ctx context.Context, roomId string) error {
	return s.db.WithContext(ctx).Model(&types.Poll{}).Where("room_id = ? AND is_pinned = ?", roomId, true).
		Update("is_pinned", false).Error
}

// Results counts the votes of every option of the poll, including options without votes.
func (s *Service) Results(ctx context.Context, poll *types.Poll) (map[string]int64, error) {
	counts, err := s.counts(s.db.WithContext(ctx), []string{poll.Id})
	if err != nil {
		return nil, err
	}
	return resultsFor(poll, counts), nil
}

type optionCount struct {
	OptionId string
	Count    int64
}

func (s *Service) counts(db *gorm.DB, pollIds []string) (map[string]int64, error) {
	var rows []optionCount
	err := db.Model(&types.PollVote{}).Select("option_id, COUNT(*) AS count").
		Where("poll_id IN ?", pollIds).Group("option_id").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return lo.SliceToMap(rows, func(r optionCount) (string, int64) { return r.OptionId, r.Count }), nil
}

func resultsFor(poll *types.Poll, counts map[string]int64) map[string]int64 {
	res := emptyResults(poll)
	for k := range res {
		res[k] = counts[k]
	}
	return res
}

func emptyResults(poll *types.Poll) map[string]int64 {
	res := make(map[string]int64, len(poll.Options))
	for _, o := range poll.Options {
		res[o.Id] = 0
	}
	return res
}

func load(db *gorm.DB, roomId, id string) (*types.Poll, error) {
	var poll types.Poll
	err := db.Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order") }).
		Where("id = ? AND room_id = ?", id, roomId).Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownPoll
	}
	if err != nil {
		return nil, err
	}
	return &poll, nil
}

func applyInput(poll *types.Poll, in Input) error {
	if in.Content != nil {
		poll.Content = *in.Content
	}
	if in.State != nil {
		if !lo.Contains(validStates, *in.State) {
			return fmt.Errorf("%w: state %q", ErrInvalid, *in.State)
		}
		poll.State = *in.State
	}
	if in.PollType != nil {
		if !lo.Contains(validTypes, *in.PollType) {
			return fmt.Errorf("%w: type %q", ErrInvalid, *in.PollType)
		}
		poll.PollType = *in.PollType
	}
	return nil
}
