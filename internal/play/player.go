package play

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Player previews audio files through the first installed command line player.
type Player struct {
	players  []string
	lookPath func(file string) (string, error)
	run      func(cmd *exec.Cmd) error
}

func New() *Player {
	return &Player{
		players:  []string{"mpv", "ffplay", "vlc", "pw-play", "aplay"},
		lookPath: exec.LookPath,
		run:      func(cmd *exec.Cmd) error { return cmd.Run() },
	}
}

func (p *Player) Play(audioFile string) error {
	if _, err := os.Stat(audioFile); err != nil {
		return fmt.Errorf("audio file not found: %s", audioFile)
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	cmd, err := p.command(player, audioFile)
	if err != nil {
		return err
	}

	slog.Info("Playing", "file", audioFile, "player", player)
	if err := p.run(cmd); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	slog.Debug("Playback completed", "file", audioFile)
	return nil
}

func (p *Player) command(player, audioFile string) (*exec.Cmd, error) {
	switch player {
	case "mpv":
		return exec.Command("mpv", "--no-video", audioFile), nil
	case "ffplay":
		return exec.Command("ffplay", "-nodisp", "-autoexit", "-loglevel", "error", audioFile), nil
	case "vlc":
		return exec.Command("vlc", "--play-and-exit", audioFile), nil
	case "pw-play", "aplay":
		// Both only understand plain WAV
		if !strings.EqualFold(filepath.Ext(audioFile), ".wav") {
			return nil, fmt.Errorf("%s requires a WAV file, got %s", player, filepath.Base(audioFile))
		}
		return exec.Command(player, audioFile), nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range p.players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(p.players, ", "))
}
