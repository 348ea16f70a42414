package test

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const controlPort = 37788

var (
	binaryPath string
	configFile string
	workDir    string
)

// TestMain expects the extflash binary in the project root and runs every
// test against one simulated chip image and one internal flash image.
func TestMain(m *testing.M) {
	cwd, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to get working directory: %v", err)
	}
	binaryPath = filepath.Join(cwd, "..", "extflash")
	if _, err := os.Stat(binaryPath); os.IsNotExist(err) {
		log.Fatalf("extflash binary not found at %s. Build it first.", binaryPath)
	}

	workDir, err = os.MkdirTemp("", "extflash-test")
	if err != nil {
		log.Fatalf("failed to create work dir: %v", err)
	}

	configContent := fmt.Sprintf(`
spi:
  driver: "sim"
  sim:
    chip: "w25q16"
    image: "%s"
internal:
  backend: "file"
  path: "%s"
  size: 0x400000
loader:
  partition: "storage"
server:
  address: "127.0.0.1:%d"
log:
  level: "debug"
`, filepath.Join(workDir, "ext.bin"), filepath.Join(workDir, "internal.bin"), controlPort)

	configFile = filepath.Join(workDir, "test_config.yaml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		log.Fatalf("failed to write config file: %v", err)
	}

	exitCode := m.Run()

	os.RemoveAll(workDir)
	os.Exit(exitCode)
}

// run executes one CLI command and returns its stdout.
func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := exec.Command(binaryPath, append([]string{"--config", configFile}, args...)...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("extflash %s failed: %v", strings.Join(args, " "), err)
	}
	return stdout.String()
}

func writeROM(t *testing.T, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i ^ i>>7)
	}
	path := filepath.Join(workDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestCLI_PutListLoad(t *testing.T) {
	run(t, "format", "--yes")
	data := writeROM(t, "tetris.gb", 32768+123)

	out := run(t, "put", filepath.Join(workDir, "tetris.gb"))
	if !strings.Contains(out, "/ext_flash/TETRIS.GB") {
		t.Fatalf("unexpected put output %q", out)
	}

	out = run(t, "ls")
	if strings.TrimSpace(out) != "/ext_flash/TETRIS.GB" {
		t.Fatalf("unexpected listing %q", out)
	}

	out = run(t, "usage")
	if !strings.Contains(out, "% used") {
		t.Fatalf("unexpected usage output %q", out)
	}

	staged := filepath.Join(workDir, "staged.gb")
	run(t, "load", "/ext_flash/TETRIS.GB", "--out", staged)
	got, err := os.ReadFile(staged)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("staged ROM differs from the uploaded file")
	}
}

func TestCLI_HardwareFailure(t *testing.T) {
	cmd := exec.Command(binaryPath, "--config", configFile, "--driver", "spidev", "info")
	cmd.Env = append(os.Environ(), "EXTFLASH_SPI_DEVICE=/dev/does-not-exist")
	err := cmd.Run()
	exitErr, ok := err.(*exec.ExitError)
	if !ok || exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
}

func TestServe_ControlLink(t *testing.T) {
	run(t, "format", "--yes")
	writeROM(t, "zelda.gb", 5000)
	run(t, "put", filepath.Join(workDir, "zelda.gb"), "ZELDA.GB")

	cmd := exec.Command(binaryPath, "--config", configFile, "serve")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start extflash serve: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", controlPort))
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("failed to connect to the control link: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	for _, tt := range []struct{ cmd, want string }{
		{"LIST", "OK count=1 truncated=false games=ZELDA.GB"},
		{"LOAD ZELDA.GB", "OK size=5000 "},
		{"USAGE", "OK percent="},
	} {
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		fmt.Fprintln(conn, tt.cmd)
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("%s: %v", tt.cmd, err)
		}
		if !strings.HasPrefix(line, tt.want) {
			t.Errorf("%s: got %q, want prefix %q", tt.cmd, strings.TrimSpace(line), tt.want)
		}
	}
}
