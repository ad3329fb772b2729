package calls

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/workers"
)

type bbbResponse struct {
	XMLName    xml.Name `xml:"response"`
	ReturnCode string   `xml:"returncode"`
	MessageKey string   `xml:"messageKey"`
	Message    string   `xml:"message"`
}

// BBB creates meetings on BigBlueButton servers and mints join URLs.
type BBB struct {
	db     *gorm.DB
	client *http.Client
	picker Picker
	pool   *workers.Pool
	logger hclog.Logger
}

func NewBBB(db *gorm.DB, client *http.Client, picker Picker, pool *workers.Pool) *BBB {
	if picker == nil {
		picker = RandomPicker{}
	}
	return &BBB{db: db, client: client, picker: picker, pool: pool, logger: globals.AppLogger.Named("bbb")}
}

// meetingId derives a stable meeting id from the world and the room or call id.
func meetingId(worldId, id string) (string, error) {
	h, err := hashstructure.Hash(struct {
		World string
		Id    string
	}{worldId, id}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h), nil
}

func (b *BBB) pickServer(tx *gorm.DB) (*types.BBBServer, error) {
	var servers []types.BBBServer
	if err := tx.Where("active = ?", true).Order("id").Find(&servers).Error; err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, ErrNoServer
	}
	return &servers[b.picker.Pick(len(servers))], nil
}

func (b *BBB) newCall(tx *gorm.DB, worldId string, roomId *string) (*types.BBBCall, error) {
	server, err := b.pickServer(tx)
	if err != nil {
		return nil, err
	}
	call := &types.BBBCall{Id: uuid.NewString(), WorldId: worldId, RoomId: roomId, ServerId: server.Id, Server: *server}
	hashId := call.Id
	if roomId != nil {
		hashId = *roomId
	}
	if call.MeetingId, err = meetingId(worldId, hashId); err != nil {
		return nil, err
	}
	if call.AttendeePW, err = randomSecret(); err != nil {
		return nil, err
	}
	if call.ModeratorPW, err = randomSecret(); err != nil {
		return nil, err
	}
	return call, nil
}

// roomCall returns the durable call of a room, creating it on first use. Concurrent first uses
// agree on one row.
func (b *BBB) roomCall(ctx context.Context, world *types.World, room *types.Room) (*types.BBBCall, error) {
	db := b.db.WithContext(ctx)
	call := &types.BBBCall{}
	err := db.Preload("Server").Where("room_id = ?", room.Id).Take(call).Error
	if err == nil {
		return call, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	roomId := room.Id
	call, err = b.newCall(db, world.Id, &roomId)
	if err != nil {
		return nil, err
	}
	if err := db.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(call).Error; err != nil {
		return nil, err
	}
	call = &types.BBBCall{}
	if err := db.Preload("Server").Where("room_id = ?", room.Id).Take(call).Error; err != nil {
		return nil, err
	}
	return call, nil
}

func (b *BBB) signedURL(server *types.BBBServer, operation string, params url.Values) string {
	query := params.Encode()
	sum := sha1.Sum([]byte(operation + query + server.Secret))
	base := server.URL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "api/" + operation + "?" + query + "&checksum=" + hex.EncodeToString(sum[:])
}

// create makes sure the meeting exists on the server. BBB answers SUCCESS for existing meetings,
// so this is called before every join.
func (b *BBB) create(ctx context.Context, call *types.BBBCall, name string, options map[string]interface{}) error {
	params := url.Values{}
	params.Set("name", name)
	params.Set("meetingID", call.MeetingId)
	params.Set("attendeePW", call.AttendeePW)
	params.Set("moderatorPW", call.ModeratorPW)
	if record, ok := options["record"].(bool); ok && record {
		params.Set("record", "true")
		params.Set("autoStartRecording", "false")
		params.Set("allowStartStopRecording", "true")
	}
	if mute, ok := options["mute_on_start"].(bool); ok && mute {
		params.Set("muteOnStart", "true")
	}
	createURL := b.signedURL(&call.Server, "create", params)
	return b.pool.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, createURL, nil)
		if err != nil {
			return err
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return unavailable(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return unavailable(fmt.Errorf("create returned status %d", resp.StatusCode))
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return unavailable(err)
		}
		res := bbbResponse{}
		if err := xml.Unmarshal(body, &res); err != nil {
			return unavailable(err)
		}
		if res.ReturnCode != "SUCCESS" {
			return unavailable(fmt.Errorf("create returned %s: %s %s", res.ReturnCode, res.MessageKey, strings.TrimSpace(res.Message)))
		}
		return nil
	})
}

func (b *BBB) joinURL(call *types.BBBCall, user *types.User, moderator bool) string {
	params := url.Values{}
	params.Set("fullName", user.DisplayName())
	params.Set("meetingID", call.MeetingId)
	if moderator {
		params.Set("password", call.ModeratorPW)
	} else {
		params.Set("password", call.AttendeePW)
	}
	params.Set("userID", user.Id)
	params.Set("joinViaHtml5", "true")
	if avatar := user.AvatarURL(); avatar != "" {
		params.Set("avatarURL", avatar)
	}
	return b.signedURL(&call.Server, "join", params)
}

// RoomURL returns a join URL for the room's meeting, creating the meeting if needed.
func (b *BBB) RoomURL(ctx context.Context, world *types.World, room *types.Room, user *types.User, moderator bool) (string, error) {
	call, err := b.roomCall(ctx, world, room)
	if err != nil {
		b.logger.Error("could not get call for room", "room", room.Id, "error", err)
		return "", unavailable(err)
	}
	var options map[string]interface{}
	if m := room.Module(types.ModuleBBB); m != nil {
		options = m.Config
	}
	if err := b.create(ctx, call, room.Name, options); err != nil {
		b.logger.Error("could not create meeting", "room", room.Id, "server", call.Server.URL, "error", err)
		return "", err
	}
	return b.joinURL(call, user, moderator), nil
}

// CreateCall creates a direct call between the given users.
func (b *BBB) CreateCall(ctx context.Context, world *types.World, members []*types.User) (*types.BBBCall, error) {
	db := b.db.WithContext(ctx)
	call, err := b.newCall(db, world.Id, nil)
	if err != nil {
		b.logger.Error("could not create call", "error", err)
		return nil, unavailable(err)
	}
	for _, m := range members {
		call.Invited = append(call.Invited, *m)
	}
	if err := db.Omit("Server", "Invited.*").Create(call).Error; err != nil {
		return nil, err
	}
	return call, nil
}

// CallURL returns a join URL for a direct call. Only invited users may join; all of them moderate.
func (b *BBB) CallURL(ctx context.Context, callId string, user *types.User) (string, error) {
	call := &types.BBBCall{}
	err := b.db.WithContext(ctx).Preload("Server").Preload("Invited").Where("id = ?", callId).Take(call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownCall
	}
	if err != nil {
		return "", err
	}
	invited := false
	for _, u := range call.Invited {
		if u.Id == user.Id {
			invited = true
			break
		}
	}
	if !invited {
		return "", ErrNotInvited
	}
	if err := b.create(ctx, call, "Call", nil); err != nil {
		b.logger.Error("could not create meeting", "call", call.Id, "server", call.Server.URL, "error", err)
		return "", err
	}
	return b.joinURL(call, user, true), nil
}
