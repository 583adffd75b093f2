package media

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownProfile is returned when a profile name is not registered.
var ErrUnknownProfile = errors.New("unknown encoding profile")

// Profile is the fixed encoding target applied to every chunk of a session.
type Profile struct {
	Name        string `yaml:"name"`
	Codec       string `yaml:"codec"`
	Encoder     string `yaml:"encoder"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FrameRate   int    `yaml:"frame_rate"`
	BitrateKbps int    `yaml:"bitrate_kbps"`
	PixelFormat string `yaml:"pixel_format"`
}

// DefaultProfileName is the profile used when none is configured.
const DefaultProfileName = "vp9"

// BuiltinProfiles returns the profiles available without a profiles file.
func BuiltinProfiles() map[string]Profile {
	return map[string]Profile{
		"vp9": {
			Name:        "vp9",
			Codec:       "vp9",
			Width:       1280,
			Height:      720,
			FrameRate:   30,
			BitrateKbps: 5000,
			PixelFormat: "yuv420p",
		},
		"h264": {
			Name:        "h264",
			Codec:       "h264",
			Width:       1280,
			Height:      720,
			FrameRate:   30,
			BitrateKbps: 5000,
			PixelFormat: "yuv420p",
		},
	}
}

// VideoEncoder maps a codec name to the software encoder ffmpeg should use.
func VideoEncoder(codec string) string {
	switch strings.ToLower(codec) {
	case "h265", "hevc":
		return "libx265"
	case "vp9":
		return "libvpx-vp9"
	case "av1":
		return "libaom-av1"
	default:
		return "libx264"
	}
}

// Validate fills derived fields and rejects unusable profiles.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("profile %s: resolution must be positive", p.Name)
	}
	if p.FrameRate <= 0 {
		return fmt.Errorf("profile %s: frame rate must be positive", p.Name)
	}
	if p.BitrateKbps <= 0 {
		return fmt.Errorf("profile %s: bitrate must be positive", p.Name)
	}
	if p.Encoder == "" {
		p.Encoder = VideoEncoder(p.Codec)
	}
	if p.PixelFormat == "" {
		p.PixelFormat = "yuv420p"
	}
	return nil
}

type profilesFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles returns the built-in profiles merged with those declared in
// the YAML file at path. Entries in the file replace built-ins of the same
// name. An empty path returns the built-ins only.
//
//	profiles:
//	  - name: low
//	    codec: h264
//	    width: 854
//	    height: 480
//	    frame_rate: 30
//	    bitrate_kbps: 1200
func LoadProfiles(path string) (map[string]Profile, error) {
	profiles := BuiltinProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles file: %w", err)
	}
	for _, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

// SelectProfile returns the named profile, validated.
func SelectProfile(profiles map[string]Profile, name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		names := make([]string, 0, len(profiles))
		for n := range profiles {
			names = append(names, n)
		}
		sort.Strings(names)
		return Profile{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownProfile, name, strings.Join(names, ", "))
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
