package claims

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StorageKey is the name the claim document is persisted under in every backend.
const StorageKey = "turnoUsedCombinations"

const keySeparator = "_"

var ErrInvalidKey = errors.New("invalid claim key")

type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// Platforms lists every supported platform in display order.
var Platforms = []Platform{PlatformInstagram, PlatformTikTok, PlatformYouTube}

type MissionType string

const (
	MissionFollowers MissionType = "followers"
	MissionLikes     MissionType = "likes"
	MissionComments  MissionType = "comments"
)

// MissionTypes lists every mission type in display order.
var MissionTypes = []MissionType{MissionFollowers, MissionLikes, MissionComments}

func ParsePlatform(value string) (Platform, error) {
	platform := Platform(strings.ToLower(strings.TrimSpace(value)))
	switch platform {
	case PlatformInstagram, PlatformTikTok, PlatformYouTube:
		return platform, nil
	default:
		return "", fmt.Errorf("unknown platform %q", value)
	}
}

func ParseMissionType(value string) (MissionType, error) {
	missionType := MissionType(strings.ToLower(strings.TrimSpace(value)))
	switch missionType {
	case MissionFollowers, MissionLikes, MissionComments:
		return missionType, nil
	default:
		return "", fmt.Errorf("unknown mission type %q", value)
	}
}

// Throttled reports whether claims of this type populate the cache.
func (t MissionType) Throttled() bool {
	return t == MissionFollowers
}

// NormalizeUsername trims and lowercases a username so that "Bob " and "bob"
// resolve to the same key.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

type Key struct {
	Platform    Platform
	Username    string
	MissionType MissionType
	UnitCount   int
}

// NewKey builds a key with a normalized username.
func NewKey(platform Platform, username string, missionType MissionType, unitCount int) Key {
	return Key{
		Platform:    platform,
		Username:    NormalizeUsername(username),
		MissionType: missionType,
		UnitCount:   unitCount,
	}
}

func (k Key) normalized() Key {
	k.Username = NormalizeUsername(k.Username)
	return k
}

// String serializes the key as {platform}_{username}_{missionType}_{unitCount}.
func (k Key) String() string {
	k = k.normalized()
	return string(k.Platform) + keySeparator + k.Username + keySeparator + string(k.MissionType) + keySeparator + strconv.Itoa(k.UnitCount)
}

func (k Key) prefix() string {
	return ownerPrefix(k.Platform, k.Username, k.MissionType)
}

func ownerPrefix(platform Platform, username string, missionType MissionType) string {
	return string(platform) + keySeparator + NormalizeUsername(username) + keySeparator + string(missionType) + keySeparator
}

// ParseKey reverses Key.String. Usernames may contain the separator: the
// platform is the first field, the count the last and the mission type the
// one before it.
func ParseKey(raw string) (Key, error) {
	first := strings.Index(raw, keySeparator)
	last := strings.LastIndex(raw, keySeparator)
	if first <= 0 || last <= first {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	platform, err := ParsePlatform(raw[:first])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	count, err := strconv.Atoi(raw[last+1:])
	if err != nil || count <= 0 {
		return Key{}, fmt.Errorf("%w: bad unit count in %q", ErrInvalidKey, raw)
	}

	middle := raw[first+1 : last]
	typeAt := strings.LastIndex(middle, keySeparator)
	if typeAt < 0 {
		return Key{}, fmt.Errorf("%w: missing mission type in %q", ErrInvalidKey, raw)
	}
	missionType, err := ParseMissionType(middle[typeAt+1:])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return Key{
		Platform:    platform,
		Username:    middle[:typeAt],
		MissionType: missionType,
		UnitCount:   count,
	}, nil
}
