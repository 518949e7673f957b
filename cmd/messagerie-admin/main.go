package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/messagerie/server/config"
	"github.com/messagerie/server/globals"
	"github.com/messagerie/server/persistence"
	"github.com/messagerie/server/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// A very simple CLI tool for the administration of messagerie rooms, users
// and message retention.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	log.SetFlags(0)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)

	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}

	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	// sqlite has a single writer, keep concurrent admin invocations from
	// racing each other on the database file.
	if globalConfig.PersistenceConfig.Type == "sqlite" && globalConfig.PersistenceConfig.DSN != "" {
		fileLock := flock.New(globalConfig.PersistenceConfig.DSN + ".lock")
		locked, err := fileLock.TryLock()
		if err != nil {
			panic(err)
		}
		if !locked {
			panic("database is locked by another admin process")
		}
		defer fileLock.Unlock()
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	ctx := context.Background()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show room or user",
		Long:  `show is for printing user or room information with a given user id or room code.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Show: " + strings.Join(args, " "))
		},
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all rooms.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms(ctx)
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			r, err := json.Marshal(rooms)
			if err != nil {
				globals.AppLogger.Error("could not marshal rooms", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room code]",
		Short: "Show room",
		Long:  `show room prints detail information about the room with the given code, including its roster.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.FindRoomByCode(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			r, err := json.Marshal(room)
			if err != nil {
				globals.AppLogger.Error("could not marshal room", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Show user",
		Long:  `show user prints detail information about the user with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user, err := persister.GetUser(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			u, err := json.Marshal(user)
			if err != nil {
				globals.AppLogger.Error("could not marshal user", "error", err)
				return
			}
			fmt.Println(string(u))
		},
	}
	var cmdCreateRoom = &cobra.Command{
		Use:   "create-room [creator user id] [name]",
		Short: "Create room",
		Long:  `create-room creates a room owned by the given user and prints the allocated room code.`,
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			maxParticipants := types.DefaultMaxParticipants
			if v, err := cmd.Flags().GetInt("max-participants"); err == nil && v != 0 {
				maxParticipants = v
			}
			room := &types.Room{
				Name:            strings.Join(args[1:], " "),
				CreatorId:       args[0],
				MaxParticipants: maxParticipants,
			}
			if err := persister.CreateRoom(ctx, room); err != nil {
				globals.AppLogger.Error("could not create room", "error", err)
				return
			}
			fmt.Println(room.Code)
		},
	}
	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "delete room",
		Long:  `delete removes a room with a given room code.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Delete: " + strings.Join(args, " "))
		},
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [room code]",
		Short: "Delete room",
		Long:  `delete room removes the room with the given code.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := persister.DeleteRoom(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not delete room", "error", err)
				return
			}
		},
	}
	var cmdPurge = &cobra.Command{
		Use:   "purge [hours]",
		Short: "Purge deleted messages",
		Long:  `purge physically removes messages that were deleted more than the given number of hours ago (default is the configured retention).`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			after := globalConfig.RetentionConfig.PurgeAfter
			if len(args) > 0 {
				hours, err := strconv.Atoi(args[0])
				if err != nil {
					globals.AppLogger.Error("could not parse hours", "error", err)
					return
				}
				after = time.Duration(hours) * time.Hour
			}
			n, err := persister.PurgeDeletedBefore(ctx, time.Now().Add(-after))
			if err != nil {
				globals.AppLogger.Error("could not purge messages", "error", err)
				return
			}
			fmt.Printf("purged %d messages\n", n)
		},
	}
	cmdCreateRoom.Flags().Int("max-participants", 0, "room capacity")

	var rootCmd = &cobra.Command{Use: "messagerie-admin"}
	rootCmd.AddCommand(cmdShow)
	rootCmd.AddCommand(cmdCreateRoom)
	rootCmd.AddCommand(cmdDelete)
	rootCmd.AddCommand(cmdPurge)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowUser)
	cmdDelete.AddCommand(cmdDeleteRoom)
	rootCmd.Execute()
}
