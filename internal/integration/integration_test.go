package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WendelHime/peershare/internal/config"
	"github.com/WendelHime/peershare/internal/logic"
	"github.com/WendelHime/peershare/internal/p2p"
	"github.com/WendelHime/peershare/internal/shared/models"
	"github.com/cucumber/godog"
	"github.com/spf13/afero"
)

const (
	rosterPath         = "PeerInfo.cfg"
	fileName           = "file.dat"
	optimisticInterval = 300 * time.Millisecond
)

type IntegrationTest struct {
	fs       afero.Fs
	store    *config.FileRosterStore
	settings config.Settings
	content  []byte

	listeners map[string]net.Listener
	processes map[string]*logic.Process
	clients   map[string]*p2p.Conn
	lastHS    []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
}

func newIntegrationTest() *IntegrationTest {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	return &IntegrationTest{
		fs:        afero.NewMemMapFs(),
		listeners: make(map[string]net.Listener),
		processes: make(map[string]*logic.Process),
		clients:   make(map[string]*p2p.Conn),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (i *IntegrationTest) aFileSplitIntoPieces(size, pieceSize int) error {
	i.content = make([]byte, size)
	for n := range i.content {
		i.content[n] = byte('a' + n%26)
	}
	i.settings = config.Settings{
		PreferredNeighborCount:      1,
		UnchokingInterval:           100 * time.Millisecond,
		OptimisticUnchokingInterval: optimisticInterval,
		FileName:                    fileName,
		FileSize:                    size,
		PieceSize:                   pieceSize,
	}
	return nil
}

func (i *IntegrationTest) aRosterWhereHasTheFileAndDoesNot(seeder, others string) error {
	ids := append([]string{seeder}, strings.Split(others, ",")...)
	var roster strings.Builder
	for n, id := range ids {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		i.listeners[id] = ln
		hasFile := 0
		if n == 0 {
			hasFile = 1
		}
		fmt.Fprintf(&roster, "%s 127.0.0.1 %d %d\n", id, ln.Addr().(*net.TCPAddr).Port, hasFile)
	}
	if err := afero.WriteFile(i.fs, rosterPath, []byte(roster.String()), 0o644); err != nil {
		return err
	}
	i.store = config.NewFileRosterStore(i.fs, rosterPath)
	return afero.WriteFile(i.fs, filepath.Join("peers", seeder, fileName), i.content, 0o644)
}

func (i *IntegrationTest) start(id string, settings config.Settings) error {
	process, err := logic.NewProcess(logic.Options{
		SelfID:       id,
		Settings:     settings,
		Store:        i.store,
		Fs:           i.fs,
		Dir:          "peers",
		Listener:     i.listeners[id],
		PollInterval: 50 * time.Millisecond,
		Grace:        10 * time.Millisecond,
		DialBackoff:  20 * time.Millisecond,
		Seed:         1,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)).With(slog.String("self", id)))
	if err != nil {
		return err
	}
	i.processes[id] = process
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if err := process.Run(i.ctx); err != nil {
			i.mu.Lock()
			i.errs = append(i.errs, fmt.Errorf("peer %s: %w", id, err))
			i.mu.Unlock()
		}
	}()
	return nil
}

func (i *IntegrationTest) everyPeerInTheRosterRuns() error {
	entries, err := i.store.Load()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := i.start(e.PeerID, i.settings); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		return errors.New("peers did not finish")
	}
	return errors.Join(i.errs...)
}

func (i *IntegrationTest) peerHoldsPieces(id string, expected int) error {
	present := i.processes[id].Inventory().PresentCount()
	if present != expected {
		return fmt.Errorf("peer %s holds %d pieces, expected %d", id, present, expected)
	}
	return nil
}

func (i *IntegrationTest) peerHasTheSameFileContentAsPeer(downloader, seeder string) error {
	got, err := afero.ReadFile(i.fs, filepath.Join("peers", downloader, fileName))
	if err != nil {
		return err
	}
	want, err := afero.ReadFile(i.fs, filepath.Join("peers", seeder, fileName))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("peer %s has %q, peer %s has %q", downloader, got, seeder, want)
	}
	return nil
}

func (i *IntegrationTest) peersHoldPieces(ids string, expected int) error {
	for _, id := range strings.Split(ids, ",") {
		if err := i.peerHoldsPieces(id, expected); err != nil {
			return err
		}
	}
	return nil
}

func (i *IntegrationTest) peersHaveTheSameFileContentAsPeer(ids, seeder string) error {
	for _, id := range strings.Split(ids, ",") {
		if err := i.peerHasTheSameFileContentAsPeer(id, seeder); err != nil {
			return err
		}
	}
	return nil
}

func (i *IntegrationTest) theRosterMarksEveryPeerComplete() error {
	entries, err := i.store.Load()
	if err != nil {
		return err
	}
	if !config.AllComplete(entries) {
		return errors.New("roster still lists incomplete peers")
	}
	return nil
}

func (i *IntegrationTest) peerRunsWithNoPreferredNeighborSlots(id string) error {
	settings := i.settings
	settings.PreferredNeighborCount = 0
	settings.UnchokingInterval = 20 * time.Millisecond
	if err := i.start(id, settings); err != nil {
		return err
	}
	reg := i.processes[id].Registry()
	return eventually(time.Second, func() bool { return len(reg.Preferred()) == 0 })
}

func (i *IntegrationTest) peersConnectToPeer(ids, seeder string) error {
	for _, id := range strings.Split(ids, ",") {
		conn, err := net.Dial("tcp", i.listeners[seeder].Addr().String())
		if err != nil {
			return err
		}
		c := p2p.NewConn(conn, nil)
		i.clients[id] = c
		if err := c.SendHandshake(id); err != nil {
			return err
		}
		hs, err := c.ReadHandshake()
		if err != nil {
			return err
		}
		if hs.PeerID != seeder {
			return fmt.Errorf("handshake from %s, expected %s", hs.PeerID, seeder)
		}
		if err := c.WriteMessage(models.Message{Type: models.MessageTypeBitfield, Payload: []byte{0x00}}); err != nil {
			return err
		}
		if err := expectMessage(c, models.MessageTypeBitfield, time.Second); err != nil {
			return err
		}
	}
	return nil
}

func (i *IntegrationTest) peerDeclaresInterestAndIsChoked(id string) error {
	c := i.clients[id]
	if err := c.WriteMessage(models.Message{Type: models.MessageTypeInterested}); err != nil {
		return err
	}
	return expectMessage(c, models.MessageTypeChoke, time.Second)
}

func (i *IntegrationTest) withinOneOptimisticIntervalPeerReceivesUnchokeThenHave(id string) error {
	c := i.clients[id]
	deadline := optimisticInterval + 200*time.Millisecond
	if err := expectMessage(c, models.MessageTypeUnchoke, deadline); err != nil {
		return err
	}
	return expectMessage(c, models.MessageTypeHave, time.Second)
}

func (i *IntegrationTest) peerReceivesNothingFurther(id string) error {
	c := i.clients[id]
	err := expectMessage(c, models.MessageTypeUnchoke, 2*optimisticInterval)
	if err == nil {
		return fmt.Errorf("peer %s was unchoked without declaring interest", id)
	}
	if !errors.Is(err, errNoMessage) {
		return err
	}
	return nil
}

func (i *IntegrationTest) peerSendsAHandshakeWithACorruptedProtocolTag(id string) error {
	seeder := "1001"
	conn, err := net.Dial("tcp", i.listeners[seeder].Addr().String())
	if err != nil {
		return err
	}
	i.clients[id] = p2p.NewConn(conn, nil)
	i.lastHS = p2p.EncodeHandshake(id)
	copy(i.lastHS, "P2PFILESHARINGPROX")
	_, err = conn.Write(i.lastHS)
	return err
}

func (i *IntegrationTest) decodingThatHandshakeFailsAsMalformed() error {
	_, err := p2p.DecodeHandshake(i.lastHS)
	if !errors.Is(err, p2p.ErrMalformedHandshake) {
		return fmt.Errorf("expected malformed handshake, got %v", err)
	}
	return nil
}

func (i *IntegrationTest) theConnectionToPeerIsDropped(string) error {
	for _, c := range i.clients {
		_, err := c.ReadMessage()
		if !errors.Is(err, p2p.ErrConnectionLost) {
			return fmt.Errorf("expected a dropped connection, got %v", err)
		}
	}
	return nil
}

func (i *IntegrationTest) peerStillHoldsNoConnections(id string) error {
	process := i.processes[id]
	for _, rec := range process.Registry().Snapshot() {
		if process.Registry().Connected(rec.PeerID) {
			return fmt.Errorf("peer %s is connected to %s", id, rec.PeerID)
		}
	}
	if present := process.Inventory().PresentCount(); present != process.Inventory().NumPieces() {
		return fmt.Errorf("seeder lost pieces: %d present", present)
	}
	return nil
}

func (i *IntegrationTest) close() {
	i.cancel()
	for _, c := range i.clients {
		c.Close()
	}
	for id, ln := range i.listeners {
		if _, ok := i.processes[id]; !ok {
			ln.Close()
		}
	}
	i.wg.Wait()
}

var errNoMessage = errors.New("no message")

// expectMessage reads the next message from c and checks its type.
func expectMessage(c *p2p.Conn, expected models.MessageType, timeout time.Duration) error {
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer c.SetReadDeadline(time.Time{})

	msg, err := c.ReadMessage()
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %s within %s", errNoMessage, expected, timeout)
	case err != nil:
		return err
	case msg.Type != expected:
		return fmt.Errorf("received %s, expected %s", msg.Type, expected)
	}
	return nil
}

func eventually(timeout time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return errors.New("condition not met in time")
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	i := newIntegrationTest()
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		i.close()
		return ctx, nil
	})
	ctx.Step(`^a file of (\d+) bytes split into pieces of (\d+) bytes$`, i.aFileSplitIntoPieces)
	ctx.Step(`^a roster where peer "([^"]*)" has the file and peers? "([^"]*)" do(?:es)? not$`, i.aRosterWhereHasTheFileAndDoesNot)
	ctx.Step(`^every peer in the roster runs$`, i.everyPeerInTheRosterRuns)
	ctx.Step(`^peer "([^"]*)" holds (\d+) pieces$`, i.peerHoldsPieces)
	ctx.Step(`^peer "([^"]*)" has the same file content as peer "([^"]*)"$`, i.peerHasTheSameFileContentAsPeer)
	ctx.Step(`^peers "([^"]*)" hold (\d+) pieces$`, i.peersHoldPieces)
	ctx.Step(`^peers "([^"]*)" have the same file content as peer "([^"]*)"$`, i.peersHaveTheSameFileContentAsPeer)
	ctx.Step(`^the roster marks every peer complete$`, i.theRosterMarksEveryPeerComplete)
	ctx.Step(`^peer "([^"]*)" runs with no preferred neighbor slots$`, i.peerRunsWithNoPreferredNeighborSlots)
	ctx.Step(`^peers "([^"]*)" connect to peer "([^"]*)"$`, i.peersConnectToPeer)
	ctx.Step(`^peer "([^"]*)" declares interest and is choked$`, i.peerDeclaresInterestAndIsChoked)
	ctx.Step(`^within one optimistic interval peer "([^"]*)" receives UNCHOKE then HAVE$`, i.withinOneOptimisticIntervalPeerReceivesUnchokeThenHave)
	ctx.Step(`^peer "([^"]*)" receives nothing further$`, i.peerReceivesNothingFurther)
	ctx.Step(`^peer "([^"]*)" sends a handshake with a corrupted protocol tag$`, i.peerSendsAHandshakeWithACorruptedProtocolTag)
	ctx.Step(`^decoding that handshake fails as malformed$`, i.decodingThatHandshakeFailsAsMalformed)
	ctx.Step(`^the connection to peer "([^"]*)" is dropped$`, i.theConnectionToPeerIsDropped)
	ctx.Step(`^peer "([^"]*)" still holds no connections$`, i.peerStillHoldsNoConnections)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t, // Testing instance that will run subtests.
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
