package play

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePlayer(installed ...string) (*Player, *[]string) {
	var ran []string
	p := New()
	p.lookPath = func(file string) (string, error) {
		for _, name := range installed {
			if name == file {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
	p.run = func(cmd *exec.Cmd) error {
		ran = append(ran, cmd.Args...)
		return nil
	}
	return p, &ran
}

func tempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0644))
	return path
}

func TestPlay_UsesFirstInstalledPlayer(t *testing.T) {
	p, ran := fakePlayer("vlc", "ffplay")
	file := tempFile(t, "voice_20240101_120000.wav")

	require.NoError(t, p.Play(file))
	assert.Equal(t, []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error", file}, *ran)
}

func TestPlay_WAVOnlyPlayers(t *testing.T) {
	p, _ := fakePlayer("aplay")

	err := p.Play(tempFile(t, "capture_20240101_120000.webm"))
	assert.ErrorContains(t, err, "requires a WAV file")

	assert.NoError(t, p.Play(tempFile(t, "mix_20240101_120000.wav")))
}

func TestPlay_Errors(t *testing.T) {
	p, _ := fakePlayer()
	assert.ErrorContains(t, p.Play(filepath.Join(t.TempDir(), "missing.wav")), "audio file not found")
	assert.ErrorContains(t, p.Play(tempFile(t, "a.wav")), "no audio player found")

	p, _ = fakePlayer("mpv")
	p.run = func(*exec.Cmd) error { return errors.New("exit status 1") }
	assert.ErrorContains(t, p.Play(tempFile(t, "a.wav")), "playback failed with mpv")
}
