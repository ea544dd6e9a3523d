// Copyright 2024-2026 Aiku AI

// Package emoji maps Mattermost emoji short names to Unicode and back.
package emoji

import "strings"

var byName = map[string]string{
	"+1":                          "\U0001f44d",
	"thumbsup":                    "\U0001f44d",
	"-1":                          "\U0001f44e",
	"thumbsdown":                  "\U0001f44e",
	"heart":                       "❤️",
	"broken_heart":                "\U0001f494",
	"smile":                       "\U0001f604",
	"smiley":                      "\U0001f603",
	"grinning":                    "\U0001f600",
	"grin":                        "\U0001f601",
	"laughing":                    "\U0001f606",
	"joy":                         "\U0001f602",
	"rofl":                        "\U0001f923",
	"wink":                        "\U0001f609",
	"blush":                       "\U0001f60a",
	"slightly_smiling_face":       "\U0001f642",
	"upside_down_face":            "\U0001f643",
	"sweat_smile":                 "\U0001f605",
	"heart_eyes":                  "\U0001f60d",
	"sunglasses":                  "\U0001f60e",
	"thinking":                    "\U0001f914",
	"neutral_face":                "\U0001f610",
	"confused":                    "\U0001f615",
	"cry":                         "\U0001f622",
	"sob":                         "\U0001f62d",
	"scream":                      "\U0001f631",
	"rage":                        "\U0001f621",
	"open_mouth":                  "\U0001f62e",
	"wave":                        "\U0001f44b",
	"clap":                        "\U0001f44f",
	"raised_hands":                "\U0001f64c",
	"pray":                        "\U0001f64f",
	"muscle":                      "\U0001f4aa",
	"ok_hand":                     "\U0001f44c",
	"point_up":                    "☝️",
	"eyes":                        "\U0001f440",
	"fire":                        "\U0001f525",
	"100":                         "\U0001f4af",
	"tada":                        "\U0001f389",
	"rocket":                      "\U0001f680",
	"star":                        "⭐",
	"sparkles":                    "✨",
	"zap":                         "⚡",
	"warning":                     "⚠️",
	"white_check_mark":            "✅",
	"heavy_check_mark":            "✔️",
	"x":                           "❌",
	"question":                    "❓",
	"exclamation":                 "❗",
	"bulb":                        "\U0001f4a1",
	"memo":                        "\U0001f4dd",
	"lock":                        "\U0001f512",
	"bug":                         "\U0001f41b",
	"coffee":                      "☕",
	"beers":                       "\U0001f37b",
	"cake":                        "\U0001f370",
	"see_no_evil":                 "\U0001f648",
	"skull":                       "\U0001f480",
	"poop":                        "\U0001f4a9",
	"hourglass":                   "⌛",
	"calendar":                    "\U0001f4c6",
	"link":                        "\U0001f517",
	"paperclip":                   "\U0001f4ce",
	"arrow_right":                 "➡️",
	"arrow_left":                  "⬅️",
	"leftwards_arrow_with_hook":   "↩️",
	"arrow_right_hook":            "↪️",
	"speech_balloon":              "\U0001f4ac",
	"hugging_face":                "\U0001f917",
	"face_with_rolling_eyes":      "\U0001f644",
	"partying_face":               "\U0001f973",
	"white_heart":                 "\U0001f90d",
	"large_green_circle":          "\U0001f7e2",
	"red_circle":                  "\U0001f534",
	"heavy_plus_sign":             "➕",
	"heavy_minus_sign":            "➖",
	"no_entry_sign":               "\U0001f6ab",
	"stop_sign":                   "\U0001f6d1",
	"construction":                "\U0001f6a7",
	"ballot_box_with_check":       "☑️",
	"negative_squared_cross_mark": "❎",
}

// byUnicode prefers the first name listed for each code point; aliases like
// "thumbsup" map back to "+1".
var byUnicode = func() map[string]string {
	out := make(map[string]string, len(byName))
	for _, name := range []string{"+1", "-1"} {
		out[byName[name]] = name
	}
	for name, u := range byName {
		if _, ok := out[u]; !ok {
			out[u] = name
		}
	}
	return out
}()

// Unicode returns the Unicode rendering of a Mattermost emoji name.
func Unicode(name string) (string, bool) {
	u, ok := byName[strings.ToLower(name)]
	return u, ok
}

// Name returns the Mattermost emoji name for a Unicode emoji. The variation
// selector is optional.
func Name(unicode string) (string, bool) {
	if name, ok := byUnicode[unicode]; ok {
		return name, true
	}
	if name, ok := byUnicode[unicode+"️"]; ok {
		return name, true
	}
	name, ok := byUnicode[strings.TrimSuffix(unicode, "️")]
	return name, ok
}

// ToReaction converts a Matrix reaction key to a Mattermost emoji name.
// Custom emoji shortcodes lose their colons; anything unknown is passed
// through unchanged.
func ToReaction(key string) string {
	if name, ok := Name(key); ok {
		return name
	}
	if len(key) > 2 && key[0] == ':' && key[len(key)-1] == ':' {
		return key[1 : len(key)-1]
	}
	return key
}

// FromReaction converts a Mattermost reaction name to the key shown on
// Matrix. Names without a Unicode form keep the :name: notation.
func FromReaction(name string) string {
	if u, ok := Unicode(name); ok {
		return u
	}
	return ":" + name + ":"
}
