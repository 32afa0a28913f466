// Command reshare runs a three-peer in-process mesh and demonstrates a
// share/forward round trip: alice messages bob in a context, bob shares
// the context with carol, and the engine forwards the backlog and the
// live tail.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mvayngrib/reshare"
	"github.com/mvayngrib/reshare/test_utils"
	"github.com/mvayngrib/reshare/utils"
	"github.com/mvayngrib/reshare/wire"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "reshare",
		Short: "context re-sharing engine demo",
	}
	var dir string
	var verbose bool
	demo := &cobra.Command{
		Use:   "demo",
		Short: "run a three-peer share/forward round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), dir, verbose)
		},
	}
	demo.Flags().StringVar(&dir, "dir", "", "database directory (default: a temp dir)")
	demo.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(demo)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDemo(ctx context.Context, dir string, verbose bool) error {
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "reshare-demo")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	mesh := test_utils.NewMesh()
	alice := mesh.NewNode("alice")
	bob := mesh.NewNode("bob")
	carol := mesh.NewNode("carol")

	engine, err := reshare.Open(dir, bob, reshare.Options{
		Logger: utils.NewDefaultLogger(level),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	if _, err := alice.SendBody(ctx, bob, &wire.Body{
		Type:    "demo.Note",
		Context: "boo!",
		Attrs:   map[string]string{"hey": "ho"},
	}); err != nil {
		return err
	}
	fmt.Println("alice -> bob: note in context boo!")

	if err := engine.Share(ctx, reshare.ShareRequest{
		Context:   "boo!",
		Recipient: carol.Permalink(),
	}); err != nil {
		return err
	}
	fmt.Println("bob: shared context boo! with carol")

	if _, err := alice.SendBody(ctx, bob, &wire.Body{
		Type:    "demo.Note",
		Context: "boo!",
		Attrs:   map[string]string{"round": "two"},
	}); err != nil {
		return err
	}
	fmt.Println("alice -> bob: second note in context boo!")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if received := carolWrappers(carol); received == 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Printf("carol: received %d forwarded wrappers\n", carolWrappers(carol))

	for rec := range engine.Pairs() {
		fmt.Printf("pair context=%q recipient=%s active=%v seq=%d\n",
			rec.Context, rec.Recipient[:8], rec.Active, rec.Seq)
	}
	return nil
}

func carolWrappers(carol *test_utils.Node) int {
	count := 0
	for _, en := range carol.Entries() {
		if en.Value.Topic == wire.TopicNewObj &&
			en.Value.ObjectInfo != nil &&
			en.Value.ObjectInfo.Type == wire.DefaultMessageType {
			count++
		}
	}
	return count
}
