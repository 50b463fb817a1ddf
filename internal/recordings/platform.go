package recordings

import "strings"

// Platform is a streaming site the recording engine follows.
type Platform string

const (
	PlatformTikTok   Platform = "tiktok"
	PlatformTwitch   Platform = "twitch"
	PlatformBigo     Platform = "bigo"
	PlatformKick     Platform = "kick"
	PlatformSoopLive Platform = "sooplive"
)

var platforms = map[string]Platform{
	"tiktok":   PlatformTikTok,
	"twitch":   PlatformTwitch,
	"bigo":     PlatformBigo,
	"kick":     PlatformKick,
	"sooplive": PlatformSoopLive,
}

// ParsePlatform accepts any letter case.
func ParsePlatform(s string) (Platform, error) {
	p, ok := platforms[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		if strings.TrimSpace(s) == "" {
			return "", &ValidationError{Field: "platform", Reason: "required"}
		}
		return "", &ValidationError{Field: "platform", Reason: "unsupported platform " + s}
	}
	return p, nil
}

func parseTarget(platform, channel string) (Platform, string, error) {
	p, err := ParsePlatform(platform)
	if err != nil {
		return "", "", err
	}
	ch := strings.TrimSpace(channel)
	if ch == "" {
		return "", "", &ValidationError{Field: "channel", Reason: "required"}
	}
	return p, ch, nil
}
