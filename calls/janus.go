package calls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/workers"
)

const videoroomPlugin = "janus.plugin.videoroom"

// JanusRoom is what a client needs to join a videoroom.
type JanusRoom struct {
	Server string `json:"server"`
	RoomId int64  `json:"roomId"`
	Token  string `json:"token"`
}

type janusResponse struct {
	Janus string `json:"janus"`
	Data  struct {
		Id int64 `json:"id"`
	} `json:"data"`
	Error struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error"`
	PluginData struct {
		Plugin string `json:"plugin"`
		Data   struct {
			Videoroom string `json:"videoroom"`
			Room      int64  `json:"room"`
			ErrorCode int    `json:"error_code"`
			Error     string `json:"error"`
		} `json:"data"`
	} `json:"plugindata"`
}

// Janus creates videorooms on Janus gateways through the HTTP API.
type Janus struct {
	db     *gorm.DB
	client *http.Client
	picker Picker
	pool   *workers.Pool
	logger hclog.Logger
}

func NewJanus(db *gorm.DB, client *http.Client, picker Picker, pool *workers.Pool) *Janus {
	if picker == nil {
		picker = RandomPicker{}
	}
	return &Janus{db: db, client: client, picker: picker, pool: pool, logger: globals.AppLogger.Named("janus")}
}

// Available reports whether any Janus server is configured.
func (j *Janus) Available(ctx context.Context) bool {
	var n int64
	if err := j.db.WithContext(ctx).Model(&types.JanusServer{}).Where("active = ?", true).Count(&n).Error; err != nil {
		return false
	}
	return n > 0
}

func (j *Janus) post(ctx context.Context, url string, body map[string]interface{}) (*janusResponse, error) {
	body["transaction"] = uuid.NewString()
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	res := &janusResponse{}
	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return nil, err
	}
	if res.Janus != "success" {
		return nil, fmt.Errorf("%s returned %s: %d %s", url, res.Janus, res.Error.Code, res.Error.Reason)
	}
	return res, nil
}

// CreateRoom creates a private videoroom that only holders of the returned token may join.
func (j *Janus) CreateRoom(ctx context.Context) (*JanusRoom, error) {
	var servers []types.JanusServer
	if err := j.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&servers).Error; err != nil {
		return nil, unavailable(err)
	}
	if len(servers) == 0 {
		return nil, unavailable(ErrNoServer)
	}
	server := servers[j.picker.Pick(len(servers))]
	room, err := workers.Call(ctx, j.pool, func(ctx context.Context) (*JanusRoom, error) {
		return j.createRoom(ctx, server)
	})
	if err != nil {
		j.logger.Error("could not create videoroom", "server", server.URL, "error", err)
		return nil, unavailable(err)
	}
	return room, nil
}

func (j *Janus) createRoom(ctx context.Context, server types.JanusServer) (*JanusRoom, error) {
	base := strings.TrimSuffix(server.URL, "/")
	session, err := j.post(ctx, base, map[string]interface{}{"janus": "create"})
	if err != nil {
		return nil, err
	}
	sessionURL := fmt.Sprintf("%s/%d", base, session.Data.Id)
	defer func() {
		if _, err := j.post(context.WithoutCancel(ctx), sessionURL, map[string]interface{}{"janus": "destroy"}); err != nil {
			j.logger.Warn("could not destroy session", "server", server.URL, "error", err)
		}
	}()
	handle, err := j.post(ctx, sessionURL, map[string]interface{}{"janus": "attach", "plugin": videoroomPlugin})
	if err != nil {
		return nil, err
	}
	token, err := randomSecret()
	if err != nil {
		return nil, err
	}
	request := map[string]interface{}{
		"request":    "create",
		"is_private": true,
		"allowed":    []string{token},
		"publishers": 10,
	}
	if server.RoomCreateKey != "" {
		request["admin_key"] = server.RoomCreateKey
	}
	res, err := j.post(ctx, fmt.Sprintf("%s/%d", sessionURL, handle.Data.Id), map[string]interface{}{
		"janus": "message",
		"body":  request,
	})
	if err != nil {
		return nil, err
	}
	if res.PluginData.Data.Videoroom != "created" {
		return nil, fmt.Errorf("videoroom create failed: %d %s", res.PluginData.Data.ErrorCode, res.PluginData.Data.Error)
	}
	return &JanusRoom{Server: server.URL, RoomId: res.PluginData.Data.Room, Token: token}, nil
}

// RoomURL returns the videoroom of a room, creating it on first use.
func (j *Janus) RoomURL(ctx context.Context, room *types.Room) (*JanusRoom, error) {
	db := j.db.WithContext(ctx)
	call := &types.JanusCall{}
	err := db.Where("room_id = ?", room.Id).Take(call).Error
	if err == nil {
		return &JanusRoom{Server: call.Server, RoomId: call.JanusRoomId, Token: call.Token}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, unavailable(err)
	}
	created, err := j.CreateRoom(ctx)
	if err != nil {
		return nil, err
	}
	call = &types.JanusCall{RoomId: room.Id, Server: created.Server, JanusRoomId: created.RoomId, Token: created.Token}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(call).Error; err != nil {
		return nil, unavailable(err)
	}
	// another process may have won the race, its room is the one everybody uses
	if err := db.Where("room_id = ?", room.Id).Take(call).Error; err != nil {
		return nil, unavailable(err)
	}
	return &JanusRoom{Server: call.Server, RoomId: call.JanusRoomId, Token: call.Token}, nil
}
