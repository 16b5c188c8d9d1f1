package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/kirkphillip605/Setlist-Manager-v2-sub000/setsync"
)

const DefaultApiUrl = "https://api.setlistpro.app"
const DefaultRealtimeUrl = "wss://realtime.setlistpro.app"

const SetsyncCtlVersion = "0.0.1"

func main() {
	usage := fmt.Sprintf(
		`Setlist sync control.

The default urls are:
    api_url: %s
    realtime_url: %s

Usage:
    setsyncctl login [--api_url=<api_url>]
        --user_auth=<user_auth>
        [--password=<password>]
    setsyncctl sync [--api_url=<api_url>] --jwt=<jwt>
        [--cache_dir=<cache_dir>]
    setsyncctl watch [--api_url=<api_url>] [--realtime_url=<realtime_url>] --jwt=<jwt>
        [--cache_dir=<cache_dir>]
    setsyncctl songs [--api_url=<api_url>] --jwt=<jwt>
        [--cache_dir=<cache_dir>]
    setsyncctl setlists [--api_url=<api_url>] --jwt=<jwt>
        [--cache_dir=<cache_dir>]
    setsyncctl setlist <setlist_id> [--api_url=<api_url>] --jwt=<jwt>
        [--cache_dir=<cache_dir>]
    setsyncctl gigs [--api_url=<api_url>] --jwt=<jwt>
        [--cache_dir=<cache_dir>]
    setsyncctl session start <gig_id> [--api_url=<api_url>] [--realtime_url=<realtime_url>] --jwt=<jwt>
    setsyncctl session join <gig_id> [--api_url=<api_url>] [--realtime_url=<realtime_url>] --jwt=<jwt>
    setsyncctl session end <gig_id> [--api_url=<api_url>] [--realtime_url=<realtime_url>] --jwt=<jwt>

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --realtime_url=<realtime_url>
    --user_auth=<user_auth>
    --password=<password>
    --jwt=<jwt>                  Your platform JWT.
    --cache_dir=<cache_dir>      Directory for the offline cache.`,
		DefaultApiUrl,
		DefaultRealtimeUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SetsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if session_, _ := opts.Bool("session"); session_ {
		session(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		syncOnce(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if songs_, _ := opts.Bool("songs"); songs_ {
		songs(opts)
	} else if setlists_, _ := opts.Bool("setlists"); setlists_ {
		setlists(opts)
	} else if setlist_, _ := opts.Bool("setlist"); setlist_ {
		setlist(opts)
	} else if gigs_, _ := opts.Bool("gigs"); gigs_ {
		gigs(opts)
	}
}

func login(opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	userAuth := opts["--user_auth"].(string)

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		fmt.Printf("\n")
		password = string(passwordBytes)
	}

	api := setsync.NewSetlistApi(apiUrl)

	callback, resultChannel := setsync.NewBlockingApiCallback[*setsync.AuthLoginWithPasswordResult]()
	api.AuthLoginWithPassword(
		&setsync.AuthLoginWithPasswordArgs{
			UserAuth: userAuth,
			Password: password,
		},
		callback,
	)
	result := <-resultChannel
	if result.Error != nil {
		panic(result.Error)
	}
	if result.Result.Error != nil {
		fmt.Printf("login error: %s\n", result.Result.Error.Message)
		os.Exit(1)
	}
	fmt.Printf("%s\n", result.Result.ByJwt)
}

// a fully hydrated offline-first store for one command invocation
func newStore(ctx context.Context, opts docopt.Opts, realtime *setsync.RealtimeClient) (*setsync.SyncStore, *setsync.SetlistApi) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	byJwt := opts["--jwt"].(string)

	api := setsync.NewSetlistApiWithContext(ctx, apiUrl)
	api.SetByJwt(byJwt)

	var storage setsync.StorageAdapter
	if cacheDirAny := opts["--cache_dir"]; cacheDirAny != nil {
		fileStorage, err := setsync.NewFileStorage(cacheDirAny.(string))
		if err != nil {
			panic(err)
		}
		storage = fileStorage
	} else {
		storage = setsync.NewMemoryStorage()
	}

	store := setsync.NewSyncStoreWithDefaults(ctx, api, storage, realtime)
	store.Initialize()
	return store, api
}

func waitForSync(store *setsync.SyncStore) {
	for {
		notify := store.Update().NotifyChannel()
		status := store.Status()
		if !status.IsSyncing && 0 < status.LastSyncedVersion {
			return
		}
		select {
		case <-notify:
		case <-time.After(30 * time.Second):
			fmt.Printf("sync timeout\n")
			os.Exit(1)
		}
	}
}

func syncOnce(opts docopt.Opts) {
	ctx := context.Background()
	store, _ := newStore(ctx, opts, nil)
	defer store.Close()

	waitForSync(store)
	status := store.Status()
	fmt.Printf("synced to version %d at %s\n", status.LastSyncedVersion, status.LastSyncedAt)
}

func watch(opts docopt.Opts) {
	ctx := context.Background()

	byJwt := opts["--jwt"].(string)
	realtimeUrl := optString(opts, "--realtime_url", DefaultRealtimeUrl)
	realtime := setsync.NewRealtimeClientWithDefaults(ctx, realtimeUrl, &setsync.ClientAuth{
		ByJwt:      byJwt,
		InstanceId: setsync.NewId(),
		AppVersion: SetsyncCtlVersion,
	})
	defer realtime.Close()

	store, _ := newStore(ctx, opts, realtime)
	defer store.Close()

	monitor := setsync.NewNetworkMonitorWithDefaults(ctx, store, realtime)
	defer monitor.Close()

	for {
		notify := store.Update().NotifyChannel()
		status := store.Status()
		fmt.Printf(
			"version=%d songs=%d setlists=%d gigs=%d online=%t\n",
			status.LastSyncedVersion,
			len(store.Songs()),
			len(store.Setlists()),
			len(store.Gigs()),
			status.IsOnline,
		)
		<-notify
	}
}

func songs(opts docopt.Opts) {
	ctx := context.Background()
	store, _ := newStore(ctx, opts, nil)
	defer store.Close()
	waitForSync(store)

	for _, song := range store.Songs() {
		fmt.Printf("%s  %s — %s\n", song.Id, song.Title, song.Artist)
	}
}

func setlists(opts docopt.Opts) {
	ctx := context.Background()
	store, _ := newStore(ctx, opts, nil)
	defer store.Close()
	waitForSync(store)

	for _, setlistView := range store.Setlists() {
		songCount := 0
		for _, set := range setlistView.Sets {
			songCount += len(set.Songs)
		}
		fmt.Printf("%s  %s (%d sets, %d songs)\n", setlistView.Id, setlistView.Name, len(setlistView.Sets), songCount)
	}
}

func setlist(opts docopt.Opts) {
	ctx := context.Background()
	store, _ := newStore(ctx, opts, nil)
	defer store.Close()
	waitForSync(store)

	setlistId := opts["<setlist_id>"].(string)
	view := store.SetlistWithSongs(setlistId)
	if view == nil {
		fmt.Printf("setlist not found: %s\n", setlistId)
		os.Exit(1)
	}

	fmt.Printf("%s\n", view.Name)
	for _, set := range view.Sets {
		fmt.Printf("  %s\n", set.Name)
		for _, setSong := range set.Songs {
			if setSong.Song != nil {
				fmt.Printf("    %d. %s — %s\n", setSong.Position, setSong.Song.Title, setSong.Song.Artist)
			} else {
				fmt.Printf("    %d. (missing song %s)\n", setSong.Position, setSong.SongId)
			}
		}
	}
}

func gigs(opts docopt.Opts) {
	ctx := context.Background()
	store, _ := newStore(ctx, opts, nil)
	defer store.Close()
	waitForSync(store)

	for _, gig := range store.Gigs() {
		fmt.Printf("%s  %s @ %s (%s)", gig.Id, gig.Name, gig.VenueName, gig.StartTime)
		if gig.SetlistName != "" {
			fmt.Printf("  setlist: %s", gig.SetlistName)
		}
		fmt.Printf("\n")
	}
}

func session(opts docopt.Opts) {
	ctx := context.Background()

	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	byJwt := opts["--jwt"].(string)
	gigId := opts["<gig_id>"].(string)

	parsedByJwt, err := setsync.ParseByJwtUnverified(byJwt)
	if err != nil {
		panic(err)
	}

	api := setsync.NewSetlistApiWithContext(ctx, apiUrl)
	api.SetByJwt(byJwt)

	realtimeUrl := optString(opts, "--realtime_url", DefaultRealtimeUrl)
	realtime := setsync.NewRealtimeClientWithDefaults(ctx, realtimeUrl, &setsync.ClientAuth{
		ByJwt:      byJwt,
		InstanceId: setsync.NewId(),
		AppVersion: SetsyncCtlVersion,
	})
	defer realtime.Close()

	coordinator := setsync.NewSessionCoordinatorWithDefaults(ctx, api, realtime, gigId, parsedByJwt.UserId)
	defer coordinator.Close()

	if err := coordinator.Start(); err != nil {
		panic(err)
	}

	coordinator.AddStateChangeCallback(func(state setsync.SessionState, session *setsync.GigSession) {
		if session == nil {
			fmt.Printf("%s\n", state)
			return
		}
		fmt.Printf(
			"%s set=%d song=%d break=%t leader=%s\n",
			state,
			session.CurrentSetIndex,
			session.CurrentSongIndex,
			session.IsOnBreak,
			session.LeaderId,
		)
	})
	coordinator.AddParticipantJoinCallback(func(participant *setsync.GigSessionParticipant) {
		fmt.Printf("joined: %s\n", participant.UserId)
	})
	coordinator.AddLeadershipRequestCallback(func(request *setsync.LeadershipRequest) {
		fmt.Printf("leadership requested by %s (request %s)\n", request.RequesterId, request.Id)
	})

	if start_, _ := opts.Bool("start"); start_ {
		if err := coordinator.CreateSession(); err != nil {
			fmt.Printf("session error: %s\n", err)
			os.Exit(1)
		}
	} else if end_, _ := opts.Bool("end"); end_ {
		if err := coordinator.JoinSession(); err != nil {
			fmt.Printf("session error: %s\n", err)
			os.Exit(1)
		}
		if err := coordinator.End(); err != nil {
			fmt.Printf("session error: %s\n", err)
			os.Exit(1)
		}
		fmt.Printf("ended\n")
		return
	} else {
		if err := coordinator.JoinSession(); err != nil {
			fmt.Printf("session error: %s\n", err)
			os.Exit(1)
		}
	}

	// stay attached until the session ends
	for coordinator.State().IsActive() {
		time.Sleep(time.Second)
	}
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if valueAny := opts[key]; valueAny != nil {
		return valueAny.(string)
	}
	return defaultValue
}
