package posters

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tcriess/lightspeed-live/clock"
	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/types"
)

var (
	ErrUnknownPoster = errors.New("unknown poster")
	ErrUnknownRoom   = errors.New("unknown room")
)

// View is a poster with its presenters and vote count. HasVoted refers to the reading user.
type View struct {
	*types.Poster
	Presenters []string `json:"presenters"`
	Votes      int64    `json:"votes"`
	HasVoted   bool     `json:"has_voted"`
}

// Patch carries the changes of a poster. An empty Id creates a new poster in ParentRoomId. Nil
// fields are left unchanged.
type Patch struct {
	Id                 string                 `mapstructure:"id"`
	ParentRoomId       *string                `mapstructure:"parent_room_id"`
	PresentationRoomId *string                `mapstructure:"presentation_room_id"`
	Title              *string                `mapstructure:"title" validate:"omitempty,max=300"`
	Abstract           map[string]interface{} `mapstructure:"abstract"`
	Authors            map[string]interface{} `mapstructure:"authors"`
	Category           *string                `mapstructure:"category" validate:"omitempty,max=300"`
	Tags               []string               `mapstructure:"tags"`
	PosterURL          *string                `mapstructure:"poster_url" validate:"omitempty,url"`
	PosterPreview      *string                `mapstructure:"poster_preview" validate:"omitempty,url"`
	Presenters         []string               `mapstructure:"presenters"`
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
	return &Service{db: db, clock: clk, logger: globals.AppLogger.Named("posters")}
}

// List returns the posters whose parent room is roomId, ordered by title.
func (s *Service) List(ctx context.Context, worldId, roomId, userId string) ([]*View, error) {
	var posters []*types.Poster
	err := s.db.WithContext(ctx).Preload("Presenters").Preload("Votes").
		Where("world_id = ? AND parent_room_id = ?", worldId, roomId).Order("title").Find(&posters).Error
	if err != nil {
		return nil, err
	}
	return lo.Map(posters, func(p *types.Poster, _ int) *View { return view(p, userId) }), nil
}

// PresentedBy returns the posters the user presents.
func (s *Service) PresentedBy(ctx context.Context, worldId, userId string) ([]*View, error) {
	var posters []*types.Poster
	err := s.db.WithContext(ctx).Preload("Presenters").Preload("Votes").
		Where("world_id = ? AND id IN (?)", worldId,
			s.db.Model(&types.PosterPresenter{}).Select("poster_id").Where("user_id = ?", userId)).
		Order("title").Find(&posters).Error
	if err != nil {
		return nil, err
	}
	return lo.Map(posters, func(p *types.Poster, _ int) *View { return view(p, userId) }), nil
}

func (s *Service) Get(ctx context.Context, worldId, id, userId string) (*View, error) {
	p, err := load(s.db.WithContext(ctx), worldId, id)
	if err != nil {
		return nil, err
	}
	return view(p, userId), nil
}

// Vote records a vote of the user. Voting twice keeps the first vote.
func (s *Service) Vote(ctx context.Context, worldId, id, userId string) (*types.PosterVote, error) {
	db := s.db.WithContext(ctx)
	if _, err := load(db, worldId, id); err != nil {
		return nil, err
	}
	vote := &types.PosterVote{PosterId: id, UserId: userId, Datetime: s.clock.Now()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(vote).Error; err != nil {
		return nil, err
	}
	if err := db.Where("poster_id = ? AND user_id = ?", id, userId).Take(vote).Error; err != nil {
		return nil, err
	}
	return vote, nil
}

// Unvote removes the user's vote if there is one.
func (s *Service) Unvote(ctx context.Context, worldId, id, userId string) error {
	db := s.db.WithContext(ctx)
	if _, err := load(db, worldId, id); err != nil {
		return err
	}
	return db.Where("poster_id = ? AND user_id = ?", id, userId).Delete(&types.PosterVote{}).Error
}

// Patch creates or updates a poster. Fields listed in exclude are ignored.
func (s *Service) Patch(ctx context.Context, worldId string, in Patch, exclude ...string) (*View, error) {
	skip := func(field string) bool { return lo.Contains(exclude, field) }
	var poster *types.Poster
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.Id == "" {
			poster = &types.Poster{Id: uuid.NewString(), WorldId: worldId}
			if in.ParentRoomId == nil {
				return ErrUnknownRoom
			}
		} else {
			var err error
			if poster, err = load(tx, worldId, in.Id); err != nil {
				return err
			}
		}
		if in.ParentRoomId != nil && !skip("parent_room_id") {
			if err := roomExists(tx, worldId, *in.ParentRoomId); err != nil {
				return err
			}
			poster.ParentRoomId = *in.ParentRoomId
		}
		if in.PresentationRoomId != nil && !skip("presentation_room_id") {
			if *in.PresentationRoomId == "" {
				poster.PresentationRoomId = nil
			} else {
				if err := roomExists(tx, worldId, *in.PresentationRoomId); err != nil {
					return err
				}
				poster.PresentationRoomId = lo.ToPtr(*in.PresentationRoomId)
			}
		}
		if in.Title != nil && !skip("title") {
			poster.Title = *in.Title
		}
		if in.Abstract != nil && !skip("abstract") {
			poster.Abstract = in.Abstract
		}
		if in.Authors != nil && !skip("authors") {
			poster.Authors = in.Authors
		}
		if in.Category != nil && !skip("category") {
			poster.Category = *in.Category
		}
		if in.Tags != nil && !skip("tags") {
			poster.Tags = in.Tags
		}
		if in.PosterURL != nil && !skip("poster_url") {
			poster.PosterURL = *in.PosterURL
		}
		if in.PosterPreview != nil && !skip("poster_preview") {
			poster.PosterPreview = *in.PosterPreview
		}
		presenters, votes := poster.Presenters, poster.Votes
		poster.Presenters, poster.Votes = nil, nil
		if err := tx.Omit(clause.Associations).Save(poster).Error; err != nil {
			return err
		}
		poster.Presenters, poster.Votes = presenters, votes

		if in.Presenters != nil && !skip("presenters") {
			if err := tx.Where("poster_id = ?", poster.Id).Delete(&types.PosterPresenter{}).Error; err != nil {
				return err
			}
			poster.Presenters = lo.Map(lo.Uniq(in.Presenters), func(u string, _ int) types.PosterPresenter {
				return types.PosterPresenter{PosterId: poster.Id, UserId: u}
			})
			if len(poster.Presenters) > 0 {
				if err := tx.Create(&poster.Presenters).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("poster saved", "world", worldId, "poster", poster.Id)
	return view(poster, ""), nil
}

// Delete removes a poster and returns it, including the presenters that need to be notified.
func (s *Service) Delete(ctx context.Context, worldId, id string) (*View, error) {
	var poster *types.Poster
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if poster, err = load(tx, worldId, id); err != nil {
			return err
		}
		if err := tx.Where("poster_id = ?", id).Delete(&types.PosterPresenter{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poster_id = ?", id).Delete(&types.PosterVote{}).Error; err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Delete(&types.Poster{}, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return view(poster, ""), nil
}

func view(p *types.Poster, userId string) *View {
	return &View{
		Poster:     p,
		Presenters: lo.Map(p.Presenters, func(pp types.PosterPresenter, _ int) string { return pp.UserId }),
		Votes:      int64(len(p.Votes)),
		HasVoted:   userId != "" && lo.ContainsBy(p.Votes, func(v types.PosterVote) bool { return v.UserId == userId }),
	}
}

func load(db *gorm.DB, worldId, id string) (*types.Poster, error) {
	var p types.Poster
	err := db.Preload("Presenters").Preload("Votes").Where("id = ? AND world_id = ?", id, worldId).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownPoster
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func roomExists(db *gorm.DB, worldId, roomId string) error {
	var n int64
	if err := db.Model(&types.Room{}).Where("id = ? AND world_id = ? AND deleted = ?", roomId, worldId, false).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownRoom
	}
	return nil
}
