package exhibition

import (
	"context"
	"errors"
	"time"

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
	ErrUnknownExhibitor = errors.New("unknown exhibitor")
	ErrUnknownRequest   = errors.New("unknown contact request")
	ErrUnknownRoom      = errors.New("unknown room")
	ErrNotStaff         = errors.New("not a staff member")
)

// StaffExcluded are the fields a staff member without exhibition admin rights may not change.
var StaffExcluded = []string{"staff", "size", "name", "sorting_priority", "room_id"}

type View struct {
	*types.Exhibitor
	Staff []string `json:"staff"`
}

// Request is a contact request with the exhibitor it targets.
type Request struct {
	*types.ContactRequest
	Exhibitor *View `json:"exhibitor"`
}

type Patch struct {
	Id              string   `mapstructure:"id"`
	RoomId          *string  `mapstructure:"room_id"`
	Name            *string  `mapstructure:"name" validate:"omitempty,max=300"`
	Tagline         *string  `mapstructure:"tagline" validate:"omitempty,max=300"`
	ShortText       *string  `mapstructure:"short_text"`
	Text            *string  `mapstructure:"text"`
	Logo            *string  `mapstructure:"logo" validate:"omitempty,url"`
	Size            *string  `mapstructure:"size" validate:"omitempty,oneof=1x1 3x1 3x3"`
	SortingPriority *int     `mapstructure:"sorting_priority"`
	Staff           []string `mapstructure:"staff"`
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
	return &Service{db: db, clock: clk, logger: globals.AppLogger.Named("exhibition")}
}

// List returns the exhibitors shown in a room.
func (s *Service) List(ctx context.Context, worldId, roomId string) ([]*View, error) {
	return s.find(s.db.WithContext(ctx).Where("world_id = ? AND room_id = ?", worldId, roomId))
}

// ListAll returns all exhibitors of the world, or only those staffed by staffUserId if it is set.
func (s *Service) ListAll(ctx context.Context, worldId, staffUserId string) ([]*View, error) {
	q := s.db.WithContext(ctx).Where("world_id = ?", worldId)
	if staffUserId != "" {
		q = q.Where("id IN (?)", s.db.Model(&types.ExhibitorStaff{}).Select("exhibitor_id").Where("user_id = ?", staffUserId))
	}
	return s.find(q)
}

func (s *Service) find(q *gorm.DB) ([]*View, error) {
	var exhibitors []*types.Exhibitor
	if err := q.Preload("Staff").Order("sorting_priority").Order("name").Find(&exhibitors).Error; err != nil {
		return nil, err
	}
	return lo.Map(exhibitors, func(e *types.Exhibitor, _ int) *View { return view(e) }), nil
}

func (s *Service) Get(ctx context.Context, worldId, id string) (*View, error) {
	e, err := load(s.db.WithContext(ctx), worldId, id)
	if err != nil {
		return nil, err
	}
	return view(e), nil
}

// Patch creates (empty Id) or updates an exhibitor. Fields listed in exclude are ignored.
func (s *Service) Patch(ctx context.Context, worldId string, in Patch, exclude ...string) (*View, error) {
	skip := func(field string) bool { return lo.Contains(exclude, field) }
	var ex *types.Exhibitor
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.Id == "" {
			ex = &types.Exhibitor{Id: uuid.NewString(), WorldId: worldId, Size: "1x1"}
		} else {
			var err error
			if ex, err = load(tx, worldId, in.Id); err != nil {
				return err
			}
		}
		if in.RoomId != nil && !skip("room_id") {
			var n int64
			if err := tx.Model(&types.Room{}).Where("id = ? AND world_id = ? AND deleted = ?", *in.RoomId, worldId, false).
				Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrUnknownRoom
			}
			ex.RoomId = *in.RoomId
		}
		set := func(field string, dst *string, v *string) {
			if v != nil && !skip(field) {
				*dst = *v
			}
		}
		set("name", &ex.Name, in.Name)
		set("tagline", &ex.Tagline, in.Tagline)
		set("short_text", &ex.ShortText, in.ShortText)
		set("text", &ex.Text, in.Text)
		set("logo", &ex.Logo, in.Logo)
		set("size", &ex.Size, in.Size)
		if in.SortingPriority != nil && !skip("sorting_priority") {
			ex.SortingPriority = *in.SortingPriority
		}
		staff := ex.Staff
		ex.Staff = nil
		if err := tx.Omit(clause.Associations).Save(ex).Error; err != nil {
			return err
		}
		ex.Staff = staff
		if in.Staff != nil && !skip("staff") {
			if err := tx.Where("exhibitor_id = ?", ex.Id).Delete(&types.ExhibitorStaff{}).Error; err != nil {
				return err
			}
			ex.Staff = lo.Map(lo.Uniq(in.Staff), func(u string, _ int) types.ExhibitorStaff {
				return types.ExhibitorStaff{ExhibitorId: ex.Id, UserId: u}
			})
			if len(ex.Staff) > 0 {
				return tx.Create(&ex.Staff).Error
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("exhibitor saved", "world", worldId, "exhibitor", ex.Id)
	return view(ex), nil
}

// Delete removes an exhibitor with its staff and contact requests.
func (s *Service) Delete(ctx context.Context, worldId, id string) (*View, error) {
	var ex *types.Exhibitor
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if ex, err = load(tx, worldId, id); err != nil {
			return err
		}
		if err := tx.Where("exhibitor_id = ?", id).Delete(&types.ExhibitorStaff{}).Error; err != nil {
			return err
		}
		if err := tx.Where("exhibitor_id = ?", id).Delete(&types.ContactRequest{}).Error; err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Delete(&types.Exhibitor{}, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return view(ex), nil
}

func (s *Service) AddStaff(ctx context.Context, worldId, id, userId string) error {
	db := s.db.WithContext(ctx)
	if _, err := load(db, worldId, id); err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&types.ExhibitorStaff{ExhibitorId: id, UserId: userId}).Error
}

func (s *Service) RemoveStaff(ctx context.Context, worldId, id, userId string) error {
	db := s.db.WithContext(ctx)
	if _, err := load(db, worldId, id); err != nil {
		return err
	}
	return db.Where("exhibitor_id = ? AND user_id = ?", id, userId).Delete(&types.ExhibitorStaff{}).Error
}

// Contact opens a contact request from the user to the exhibitor's staff.
func (s *Service) Contact(ctx context.Context, worldId, exhibitorId, userId string) (*Request, error) {
	db := s.db.WithContext(ctx)
	ex, err := load(db, worldId, exhibitorId)
	if err != nil {
		return nil, err
	}
	req := &types.ContactRequest{
		Id:          uuid.NewString(),
		ExhibitorId: ex.Id,
		UserId:      userId,
		State:       types.ContactStateOpen,
		Timestamp:   s.clock.Now(),
	}
	if err := db.Create(req).Error; err != nil {
		return nil, err
	}
	return &Request{ContactRequest: req, Exhibitor: view(ex)}, nil
}

// Cancel marks an open request of the user as missed.
func (s *Service) Cancel(ctx context.Context, worldId, requestId, userId string) (*Request, error) {
	return s.close(ctx, worldId, requestId, func(req *types.ContactRequest, ex *types.Exhibitor) error {
		if req.UserId != userId {
			return ErrUnknownRequest
		}
		req.State = types.ContactStateMissed
		return nil
	})
}

// Accept marks an open request as answered by a staff member of the exhibitor.
func (s *Service) Accept(ctx context.Context, worldId, requestId, staffId string) (*Request, error) {
	return s.close(ctx, worldId, requestId, func(req *types.ContactRequest, ex *types.Exhibitor) error {
		if !lo.ContainsBy(ex.Staff, func(st types.ExhibitorStaff) bool { return st.UserId == staffId }) {
			return ErrNotStaff
		}
		now := s.clock.Now()
		req.State = types.ContactStateAnswered
		req.AnsweredBy = lo.ToPtr(staffId)
		req.Answered = &now
		return nil
	})
}

func (s *Service) close(ctx context.Context, worldId, requestId string, change func(*types.ContactRequest, *types.Exhibitor) error) (*Request, error) {
	var res *Request
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req types.ContactRequest
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND state = ?", requestId, types.ContactStateOpen).Take(&req).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownRequest
		}
		if err != nil {
			return err
		}
		ex, err := load(tx, worldId, req.ExhibitorId)
		if errors.Is(err, ErrUnknownExhibitor) {
			return ErrUnknownRequest
		}
		if err != nil {
			return err
		}
		if err := change(&req, ex); err != nil {
			return err
		}
		if err := tx.Select("state", "answered_by", "answered").Updates(&req).Error; err != nil {
			return err
		}
		res = &Request{ContactRequest: &req, Exhibitor: view(ex)}
		return nil
	})
	return res, err
}

// OpenRequestsFrom returns the user's unanswered requests, which are cancelled when the user leaves.
func (s *Service) OpenRequestsFrom(ctx context.Context, userId string) ([]*types.ContactRequest, error) {
	var reqs []*types.ContactRequest
	err := s.db.WithContext(ctx).Where("user_id = ? AND state = ?", userId, types.ContactStateOpen).
		Order("contact_requests.timestamp").Find(&reqs).Error
	return reqs, err
}

// SweepMissed marks open requests older than timeout as missed and returns them.
func (s *Service) SweepMissed(ctx context.Context, timeout time.Duration) ([]*Request, error) {
	var stale []*types.ContactRequest
	err := s.db.WithContext(ctx).Where("state = ? AND contact_requests.timestamp < ?", types.ContactStateOpen, s.clock.Now().Add(-timeout)).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	var res []*Request
	for _, st := range stale {
		var ex types.Exhibitor
		if err := s.db.WithContext(ctx).Select("world_id").Where("id = ?", st.ExhibitorId).Take(&ex).Error; err != nil {
			s.logger.Warn("contact request without exhibitor", "request", st.Id, "error", err)
			continue
		}
		req, err := s.close(ctx, ex.WorldId, st.Id, func(req *types.ContactRequest, _ *types.Exhibitor) error {
			req.State = types.ContactStateMissed
			return nil
		})
		if errors.Is(err, ErrUnknownRequest) {
			// answered in the meantime
			continue
		}
		if err != nil {
			return res, err
		}
		res = append(res, req)
	}
	if len(res) > 0 {
		s.logger.Info("contact requests missed", "count", len(res))
	}
	return res, nil
}

func view(e *types.Exhibitor) *View {
	return &View{Exhibitor: e, Staff: lo.Map(e.Staff, func(st types.ExhibitorStaff, _ int) string { return st.UserId })}
}

func load(db *gorm.DB, worldId, id string) (*types.Exhibitor, error) {
	var e types.Exhibitor
	err := db.Preload("Staff").Where("id = ? AND world_id = ?", id, worldId).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownExhibitor
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
