package test

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestPerformance_ConcurrentClients hammers the control link from several
// connections; the single worker must serialise every mount.
func TestPerformance_ConcurrentClients(t *testing.T) {
	run(t, "format", "--yes")
	writeROM(t, "mario.nes", 256*1024)
	run(t, "put", filepath.Join(workDir, "mario.nes"), "MARIO.NES")

	cmd := exec.Command(binaryPath, "--config", configFile, "--log-level", "warn", "serve")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start extflash serve: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()
	time.Sleep(time.Second)

	var (
		ops          int64
		errs         int64
		clients      = 4
		testDuration = 10 * time.Second
	)

	wg := sync.WaitGroup{}
	start := time.Now()
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", controlPort))
			if err != nil {
				atomic.AddInt64(&errs, 1)
				t.Logf("client %d: %v", c, err)
				return
			}
			defer conn.Close()
			r := bufio.NewReader(conn)

			commands := []string{"LIST", "USAGE", "LOAD MARIO.NES"}
			deadline := time.Now().Add(testDuration)
			for i := 0; time.Now().Before(deadline); i++ {
				cmdStart := time.Now()
				fmt.Fprintln(conn, commands[i%len(commands)])
				line, err := r.ReadString('\n')
				if err != nil || !strings.HasPrefix(line, "OK") {
					if atomic.AddInt64(&errs, 1) <= 5 {
						t.Logf("client %d %s: %q %v", c, commands[i%len(commands)], line, err)
					}
					continue
				}
				t.Logf("%s use %v", commands[i%len(commands)], time.Since(cmdStart))
				atomic.AddInt64(&ops, 1)
			}
		}(c)
	}
	wg.Wait()

	t.Logf("Test Finished in %v", time.Since(start))
	t.Logf("Total Commands: %d (Errors: %d)", atomic.LoadInt64(&ops), atomic.LoadInt64(&errs))
	if atomic.LoadInt64(&errs) > 0 {
		t.Errorf("Performance test failed with errors.")
	}
}
