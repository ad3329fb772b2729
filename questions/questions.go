package questions

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/tcriess/lightspeed-live/clock"
	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/types"
)

var (
	ErrUnknownQuestion = errors.New("unknown question")
	ErrInvalid         = errors.New("invalid question")
)

var validStates = []string{types.QuestionStateModQueue, types.QuestionStateVisible, types.QuestionStateArchived}

// Input carries the fields a moderator may change. Nil fields are left unchanged.
type Input struct {
	Content  *string `mapstructure:"content" validate:"omitempty,min=1,max=5000"`
	State    *string `mapstructure:"state" validate:"omitempty,oneof=mod_queue visible archived"`
	Answered *bool   `mapstructure:"answered"`
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
	return &Service{db: db, clock: clk, logger: globals.AppLogger.Named("questions")}
}

// IsPrivileged reports whether a question in this state is only shown to moderators.
func IsPrivileged(state string) bool {
	return state == types.QuestionStateModQueue
}

// Ask stores a new question. Questions of moderated rooms wait in the moderation queue.
func (s *Service) Ask(ctx context.Context, roomId, senderId, content string, moderated bool) (*types.Question, error) {
	q := &types.Question{
		Id:        uuid.NewString(),
		RoomId:    roomId,
		SenderId:  senderId,
		Content:   content,
		State:     lo.Ternary(moderated, types.QuestionStateModQueue, types.QuestionStateVisible),
		Timestamp: s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(q).Error; err != nil {
		return nil, err
	}
	s.logger.Debug("question asked", "room", roomId, "question", q.Id, "state", q.State)
	return q, nil
}

// Update applies in and returns the question along with its state before the change.
func (s *Service) Update(ctx context.Context, roomId, id string, in Input) (*types.Question, string, error) {
	var (
		q        *types.Question
		previous string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		q, err = load(tx, roomId, id)
		if err != nil {
			return err
		}
		previous = q.State
		if in.Content != nil {
			q.Content = *in.Content
		}
		if in.State != nil {
			if !lo.Contains(validStates, *in.State) {
				return fmt.Errorf("%w: state %q", ErrInvalid, *in.State)
			}
			q.State = *in.State
		}
		if in.Answered != nil {
			q.Answered = *in.Answered
		}
		return tx.Model(q).Select("content", "state", "answered").Updates(q).Error
	})
	if err != nil {
		return nil, "", err
	}
	return q, previous, nil
}

func (s *Service) Delete(ctx context.Context, roomId, id string) (*types.Question, error) {
	var q *types.Question
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		q, err = load(tx, roomId, id)
		if err != nil {
			return err
		}
		return tx.Delete(q).Error
	})
	return q, err
}

// List returns the questions of a room, oldest first. Moderators see the moderation queue, others
// only their own questions waiting in it.
func (s *Service) List(ctx context.Context, roomId, userId string, moderator bool) ([]*types.Question, error) {
	questions := make([]*types.Question, 0)
	q := s.db.WithContext(ctx).Where("room_id = ?", roomId)
	if !moderator {
		q = q.Where("state <> ? OR sender_id = ?", types.QuestionStateModQueue, userId)
	}
	err := q.Order("questions.timestamp").Find(&questions).Error
	return questions, err
}

func load(db *gorm.DB, roomId, id string) (*types.Question, error) {
	var q types.Question
	err := db.Where("id = ? AND room_id = ?", id, roomId).Take(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownQuestion
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}
