package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tcriess/lightspeed-live/auth"
	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/config"
	"github.com/tcriess/lightspeed-live/exhibition"
	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/persistence"
	"github.com/tcriess/lightspeed-live/posters"
	"github.com/tcriess/lightspeed-live/pubsub"
	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/workers"
	"github.com/tcriess/lightspeed-live/ws"
)

// A very simple CLI tool for the administration of lightspeed-live worlds, rooms, users and call
// servers.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	db, err := persistence.OpenDB(globalConfig.Database)
	if err != nil {
		panic(err)
	}
	persister := persistence.NewGormPersister(db)
	defer persister.Close()
	// always the shared store, the admin tool runs next to the servers
	store, err := cache.NewSQLVersionStore(persister.DB())
	if err != nil {
		panic(err)
	}
	entities, err := persistence.NewEntities(persister, store, cache.Options{})
	if err != nil {
		panic(err)
	}
	engine, err := permissions.NewEngine(entities, workers.New(1), 0)
	if err != nil {
		panic(err)
	}
	exhibitions := exhibition.New(db, nil)
	ctx := context.Background()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show worlds, rooms, users or call servers",
	}
	var cmdShowWorlds = &cobra.Command{
		Use:   "worlds",
		Short: "Show worlds",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			worlds, err := persister.ListWorlds(ctx)
			if err != nil {
				globals.AppLogger.Error("could not get worlds", "error", err)
				return
			}
			table := newTable("id", "title", "locale", "timezone", "version")
			for _, w := range worlds {
				table.Append([]string{w.Id, w.Title, w.Locale, w.Timezone, strconv.FormatInt(w.Version, 10)})
			}
			table.Render()
		},
	}
	var cmdShowWorld = &cobra.Command{
		Use:   "world [world id]",
		Short: "Show world",
		Long:  `show world prints the full configuration of the world with the given id, secrets included.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			world, err := persister.GetWorld(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get world", "error", err)
				return
			}
			printJSON(world)
		},
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms [world id]",
		Short: "Show the rooms of a world",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.ListRooms(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			table := newTable("id", "name", "modules", "priority")
			for _, r := range rooms {
				modules := make([]string, 0, len(r.ModuleConfig))
				for _, m := range r.ModuleConfig {
					modules = append(modules, m.Type)
				}
				table.Append([]string{r.Id, r.Name, strings.Join(modules, ","), strconv.Itoa(r.SortingPriority)})
			}
			table.Render()
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users [world id]",
		Short: "Show the users of a world",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.ListUsers(ctx, args[0], 0, 0)
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			table := newTable("id", "display name", "traits", "state", "deleted")
			for _, u := range users {
				table.Append([]string{u.Id, u.DisplayName(), strings.Join(u.Traits, ","), u.ModerationState, strconv.FormatBool(u.Deleted)})
			}
			table.Render()
		},
	}
	var cmdShowServers = &cobra.Command{
		Use:   "servers",
		Short: "Show BigBlueButton and Janus servers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			var bbb []types.BBBServer
			var janus []types.JanusServer
			if err := db.WithContext(ctx).Find(&bbb).Error; err != nil {
				globals.AppLogger.Error("could not get servers", "error", err)
				return
			}
			if err := db.WithContext(ctx).Find(&janus).Error; err != nil {
				globals.AppLogger.Error("could not get servers", "error", err)
				return
			}
			table := newTable("id", "type", "url", "active")
			for _, s := range bbb {
				table.Append([]string{strconv.FormatUint(uint64(s.Id), 10), "bbb", s.URL, strconv.FormatBool(s.Active)})
			}
			for _, s := range janus {
				table.Append([]string{strconv.FormatUint(uint64(s.Id), 10), "janus", s.URL, strconv.FormatBool(s.Active)})
			}
			table.Render()
		},
	}

	var cmdShowRoles = &cobra.Command{
		Use:   "roles [world id] [user id] [room id]",
		Short: "Show the effective roles of a user",
		Long:  `show roles prints the roles of a user in the world, or in a room if a room id is given, with traits and grants applied.`,
		Args:  cobra.RangeArgs(2, 3),
		Run: func(cmd *cobra.Command, args []string) {
			world, err := entities.World(ctx, args[0], 0)
			if err != nil {
				globals.AppLogger.Error("could not get world", "error", err)
				return
			}
			user, err := entities.User(ctx, args[1], 0)
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			var room *types.Room
			if len(args) > 2 {
				if room, err = entities.Room(ctx, args[2], 0); err != nil {
					globals.AppLogger.Error("could not get room", "error", err)
					return
				}
			}
			roles, err := engine.Roles(ctx, world, room, user)
			if err != nil {
				globals.AppLogger.Error("could not resolve roles", "error", err)
				return
			}
			perms, err := engine.EffectivePermissions(ctx, world, room, user)
			if err != nil {
				globals.AppLogger.Error("could not resolve permissions", "error", err)
				return
			}
			table := newTable("roles", "permissions")
			table.Append([]string{strings.Join(roles, "\n"), strings.Join(perms.List(), "\n")})
			table.Render()
		},
	}
	var cmdShowPosters = &cobra.Command{
		Use:   "posters [world id] [user id]",
		Short: "Show the posters a user presents",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			views, err := posters.New(db, nil).PresentedBy(ctx, args[0], args[1])
			if err != nil {
				globals.AppLogger.Error("could not get posters", "error", err)
				return
			}
			printJSON(views)
		},
	}

	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "create or update a world or room",
	}
	var cmdSetWorld = &cobra.Command{
		Use:   "world [world definition]",
		Short: "Set world",
		Long:  `set world creates or updates a world. If the world definition is "-", the definition is read from STDIN.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			world := types.World{}
			if err := decodeArg(args[0], &world); err != nil {
				globals.AppLogger.Error("could not decode world", "error", err)
				return
			}
			if world.Id == "" {
				globals.AppLogger.Error("no world id")
				return
			}
			if _, err := persister.GetWorld(ctx, world.Id); err != nil {
				globals.AppLogger.Info("world does not exist, creating", "world", world.Id)
				if err := persister.CreateWorld(ctx, &world); err != nil {
					globals.AppLogger.Error("could not create world", "error", err)
				}
				return
			}
			patch := types.WorldPatch{
				Title:            &world.Title,
				Locale:           &world.Locale,
				Timezone:         &world.Timezone,
				ConnectionLimit:  &world.ConnectionLimit,
				TraitGrants:      world.TraitGrants,
				PermissionConfig: world.PermissionConfig,
				JWTSecrets:       world.JWTSecrets,
			}
			if _, err := entities.UpdateWorld(ctx, world.Id, patch.Fields()); err != nil {
				globals.AppLogger.Error("could not update world", "error", err)
			}
		},
	}
	var cmdSetRoom = &cobra.Command{
		Use:   "room [world id] [room definition]",
		Short: "Set room",
		Long:  `set room creates a room, or updates it if the definition has an existing id. If the room definition is "-", it is read from STDIN.`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			def := struct {
				Id string `json:"id"`
				types.RoomPatch
			}{}
			if err := decodeArg(args[1], &def); err != nil {
				globals.AppLogger.Error("could not decode room", "error", err)
				return
			}
			if def.Id != "" {
				if _, err := entities.UpdateRoom(ctx, def.Id, def.Fields()); err != nil {
					globals.AppLogger.Error("could not update room", "error", err)
				}
				return
			}
			room := def.NewRoom(args[0])
			if err := entities.CreateRoom(ctx, room); err != nil {
				globals.AppLogger.Error("could not create room", "error", err)
				return
			}
			fmt.Println(room.Id)
		},
	}

	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "delete a room or user",
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Delete room",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := entities.DeleteRoom(ctx, args[0]); err != nil {
				globals.AppLogger.Error("could not delete room", "error", err)
			}
		},
	}
	var cmdDeleteUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Delete user",
		Long:  `delete user marks the user as deleted, connected clients are dropped on their next command.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := entities.UpdateUser(ctx, args[0], map[string]interface{}{"deleted": true}); err != nil {
				globals.AppLogger.Error("could not delete user", "error", err)
			}
		},
	}

	var grantRoom string
	var cmdGrant = &cobra.Command{
		Use:   "grant [world id] [user id] [role]",
		Short: "Grant a world or room role to a user",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			var err error
			if grantRoom != "" {
				err = entities.GrantRoomRole(ctx, args[0], grantRoom, args[1], args[2])
			} else {
				err = entities.GrantWorldRole(ctx, args[0], args[1], args[2])
			}
			if err != nil {
				globals.AppLogger.Error("could not grant role", "error", err)
			}
		},
	}
	cmdGrant.Flags().StringVar(&grantRoom, "room", "", "grant the role in this room only")
	var revokeRoom string
	var cmdRevoke = &cobra.Command{
		Use:   "revoke [world id] [user id] [role]",
		Short: "Revoke a world or room role from a user",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			var err error
			if revokeRoom != "" {
				err = entities.RevokeRoomRole(ctx, revokeRoom, args[1], args[2])
			} else {
				err = entities.RevokeWorldRole(ctx, args[0], args[1], args[2])
			}
			if err != nil {
				globals.AppLogger.Error("could not revoke role", "error", err)
			}
		},
	}
	cmdRevoke.Flags().StringVar(&revokeRoom, "room", "", "revoke the room role instead of the world role")

	var cmdStaff = &cobra.Command{
		Use:   "staff",
		Short: "manage exhibitor staff",
	}
	var cmdStaffAdd = &cobra.Command{
		Use:   "add [world id] [exhibitor id] [user id]",
		Short: "Add a user to the staff of an exhibitor",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			if err := exhibitions.AddStaff(ctx, args[0], args[1], args[2]); err != nil {
				globals.AppLogger.Error("could not add staff", "error", err)
			}
		},
	}
	var cmdStaffRemove = &cobra.Command{
		Use:   "remove [world id] [exhibitor id] [user id]",
		Short: "Remove a user from the staff of an exhibitor",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			if err := exhibitions.RemoveStaff(ctx, args[0], args[1], args[2]); err != nil {
				globals.AppLogger.Error("could not remove staff", "error", err)
			}
		},
	}

	var cmdRefresh = &cobra.Command{
		Use:   "refresh [world|room] [id]",
		Short: "Force all servers to reload a world or room",
		Long:  `refresh bumps the version of a world or room, so cached copies are reloaded after manual database changes.`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			var err error
			switch args[0] {
			case "world":
				_, err = entities.TouchWorld(ctx, args[1])
			case "room":
				_, err = entities.TouchRoom(ctx, args[1])
			default:
				err = fmt.Errorf("unknown kind %q", args[0])
			}
			if err != nil {
				globals.AppLogger.Error("could not refresh", "error", err)
			}
		},
	}

	var cmdServer = &cobra.Command{
		Use:   "server",
		Short: "register call servers",
	}
	var cmdServerBBB = &cobra.Command{
		Use:   "bbb [api url] [secret]",
		Short: "Add a BigBlueButton server",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			s := &types.BBBServer{URL: args[0], Secret: args[1], Active: true}
			if err := db.WithContext(ctx).Create(s).Error; err != nil {
				globals.AppLogger.Error("could not add server", "error", err)
			}
		},
	}
	var cmdServerJanus = &cobra.Command{
		Use:   "janus [url] [room create key]",
		Short: "Add a Janus server",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			s := &types.JanusServer{URL: args[0], Active: true}
			if len(args) > 1 {
				s.RoomCreateKey = args[1]
			}
			if err := db.WithContext(ctx).Create(s).Error; err != nil {
				globals.AppLogger.Error("could not add server", "error", err)
			}
		},
	}

	var traits []string
	var ttl time.Duration
	var cmdToken = &cobra.Command{
		Use:   "token [world id] [uid]",
		Short: "Create a world token",
		Long:  `token signs a token with the world's first JWT secret, for tests and api clients.`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			world, err := persister.GetWorld(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get world", "error", err)
				return
			}
			if len(world.JWTSecrets) == 0 {
				globals.AppLogger.Error("world has no jwt secrets", "world", world.Id)
				return
			}
			token, err := auth.GenerateWorldToken(world.JWTSecrets[0], args[1], traits, ttl)
			if err != nil {
				globals.AppLogger.Error("could not sign token", "error", err)
				return
			}
			fmt.Println(token)
		},
	}
	cmdToken.Flags().StringSliceVar(&traits, "traits", nil, "traits of the token")
	cmdToken.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "validity of the token")

	var connectionsUser string
	var cmdConnections = &cobra.Command{
		Use:   "connections",
		Short: "List, drop or reload websocket connections",
	}
	var cmdConnectionsList = &cobra.Command{
		Use:   "list [world id]",
		Short: "List the live connections of a world",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			since := time.Now().Add(-globalConfig.Client.PresenceTTL)
			conns, err := persister.ListConnections(ctx, args[0], connectionsUser, since)
			if err != nil {
				globals.AppLogger.Error("could not get connections", "error", err)
				return
			}
			table := newTable("socket", "user", "server", "connected", "seen")
			for _, c := range conns {
				table.Append([]string{c.SocketId, c.UserId, c.Origin, c.ConnectedAt.Format(time.RFC3339), c.SeenAt.Format(time.RFC3339)})
			}
			table.SetFooter([]string{"", "", "", "total", strconv.Itoa(len(conns))})
			table.Render()
		},
	}
	var cmdConnectionsDrop = &cobra.Command{
		Use:   "drop [world id]",
		Short: "Disconnect all connections of a world or, with --user, of one user",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := publishControl(ctx, globalConfig, ws.EventConnectionDrop, args[0], connectionsUser); err != nil {
				globals.AppLogger.Error("could not drop connections", "error", err)
			}
		},
	}
	var cmdConnectionsReload = &cobra.Command{
		Use:   "reload [world id]",
		Short: "Ask all clients of a world or, with --user, of one user to reload",
		Long:  `reload sends connection.reload to the clients, the servers close the connections shortly after.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := publishControl(ctx, globalConfig, ws.EventConnectionReload, args[0], connectionsUser); err != nil {
				globals.AppLogger.Error("could not reload connections", "error", err)
			}
		},
	}
	cmdConnections.PersistentFlags().StringVar(&connectionsUser, "user", "", "only the connections of this user")

	var rootCmd = &cobra.Command{Use: "lightspeed-live-admin"}
	rootCmd.AddCommand(cmdShow, cmdSet, cmdDelete, cmdGrant, cmdRevoke, cmdStaff, cmdRefresh, cmdServer, cmdToken, cmdConnections)
	cmdConnections.AddCommand(cmdConnectionsList, cmdConnectionsDrop, cmdConnectionsReload)
	cmdShow.AddCommand(cmdShowWorlds, cmdShowWorld, cmdShowRooms, cmdShowUsers, cmdShowRoles, cmdShowPosters, cmdShowServers)
	cmdStaff.AddCommand(cmdStaffAdd, cmdStaffRemove)
	cmdSet.AddCommand(cmdSetWorld, cmdSetRoom)
	cmdDelete.AddCommand(cmdDeleteRoom, cmdDeleteUser)
	cmdServer.AddCommand(cmdServerBBB, cmdServerJanus)
	rootCmd.SetArgs(pflag.Args())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// publishControl reaches the servers through the shared pubsub layer.
func publishControl(ctx context.Context, cfg *config.Config, eventType, worldId, userId string) error {
	if cfg.PubSub.Type != "postgres" {
		return fmt.Errorf("pubsub type %q is not shared between processes", cfg.PubSub.Type)
	}
	layer, err := pubsub.NewPostgres(ctx, cfg.PubSub.DSN, cfg.PubSub.Channel)
	if err != nil {
		return err
	}
	defer layer.Close()
	return ws.PublishControl(ctx, layer, eventType, worldId, userId)
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	return table
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		globals.AppLogger.Error("could not marshal", "error", err)
	}
}

// decodeArg decodes a JSON definition given inline or, for "-", on STDIN.
func decodeArg(arg string, dst interface{}) error {
	var r io.Reader
	if arg == "-" {
		r = os.Stdin
	} else {
		r = bytes.NewReader([]byte(arg))
	}
	return json.NewDecoder(r).Decode(dst)
}
