package views

import "strings"

// Device classes recorded on a view.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
	DeviceUnknown = "unknown"
)

const familyOther = "other"

// botTokens are matched case-insensitively as substrings of the user agent.
var botTokens = []string{
	"bot",
	"spider",
	"crawler",
	"preview",
	"fetch",
	"headless",
	"monitor",
	"pingdom",
	"slurp",
	"lighthouse",
	"uptime",
	"curl",
	"wget",
	"python-requests",
	"go-http-client",
	"facebookexternalhit",
	"embedly",
}

type familyRule struct {
	token  string
	family string
}

// Order matters: Edge and Opera carry "chrome", Chrome carries "safari".
var browserRules = []familyRule{
	{token: "edg/", family: "edge"},
	{token: "edge/", family: "edge"},
	{token: "opr/", family: "opera"},
	{token: "opera", family: "opera"},
	{token: "samsungbrowser", family: "samsung"},
	{token: "firefox/", family: "firefox"},
	{token: "fxios/", family: "firefox"},
	{token: "crios/", family: "chrome"},
	{token: "chrome/", family: "chrome"},
	{token: "chromium/", family: "chrome"},
	{token: "safari/", family: "safari"},
	{token: "msie", family: "ie"},
	{token: "trident/", family: "ie"},
}

var osRules = []familyRule{
	{token: "iphone", family: "ios"},
	{token: "ipad", family: "ios"},
	{token: "ipod", family: "ios"},
	{token: "android", family: "android"},
	{token: "cros ", family: "chromeos"},
	{token: "windows", family: "windows"},
	{token: "mac os x", family: "macos"},
	{token: "macintosh", family: "macos"},
	{token: "linux", family: "linux"},
}

// Classification is the derived view metadata stored with each ViewRecord.
type Classification struct {
	IsBot   bool
	Device  string
	Browser string
	OS      string
}

// Classify derives bot status, device class, browser family and OS family from a user agent.
// An empty user agent is treated as automated traffic.
func Classify(userAgent string) Classification {
	normalized := strings.ToLower(strings.TrimSpace(userAgent))
	if normalized == "" {
		return Classification{IsBot: true, Device: DeviceBot, Browser: familyOther, OS: familyOther}
	}

	result := Classification{
		IsBot:   IsBotUserAgent(normalized),
		Browser: matchFamily(normalized, browserRules),
		OS:      matchFamily(normalized, osRules),
	}
	result.Device = deviceClass(normalized, result.IsBot)
	return result
}

// IsBotUserAgent reports whether the user agent contains any bot, crawler or monitoring token.
func IsBotUserAgent(userAgent string) bool {
	normalized := strings.ToLower(userAgent)
	for _, token := range botTokens {
		if strings.Contains(normalized, token) {
			return true
		}
	}
	return false
}

func deviceClass(normalized string, isBot bool) string {
	switch {
	case isBot:
		return DeviceBot
	case strings.Contains(normalized, "ipad"),
		strings.Contains(normalized, "tablet"),
		strings.Contains(normalized, "android") && !strings.Contains(normalized, "mobile"):
		return DeviceTablet
	case strings.Contains(normalized, "mobi"),
		strings.Contains(normalized, "iphone"),
		strings.Contains(normalized, "ipod"):
		return DeviceMobile
	case strings.Contains(normalized, "windows"),
		strings.Contains(normalized, "macintosh"),
		strings.Contains(normalized, "x11"),
		strings.Contains(normalized, "cros "):
		return DeviceDesktop
	default:
		return DeviceUnknown
	}
}

func matchFamily(normalized string, rules []familyRule) string {
	for _, rule := range rules {
		if strings.Contains(normalized, rule.token) {
			return rule.family
		}
	}
	return familyOther
}
