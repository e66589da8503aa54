package video

import (
	"fmt"
	"sort"
)

const (
	DefaultModel    = "seedance-2.0"
	DefaultRatio    = "4:3"
	DefaultDuration = 4
)

// Model maps a public model name to the vendor request key and the
// benefit type the commerce info must carry.
type Model struct {
	Key         string
	ReqKey      string
	BenefitType string
}

var models = map[string]Model{
	"seedance-2.0": {
		Key:         "seedance-2.0",
		ReqKey:      "dreamina_seedance_40_pro",
		BenefitType: "dreamina_video_seedance_20_pro",
	},
	"seedance-2.0-fast": {
		Key:         "seedance-2.0-fast",
		ReqKey:      "dreamina_seedance_40",
		BenefitType: "dreamina_seedance_20_fast",
	},
}

// ResolveModel returns the named model, or the default one for unknown names.
func ResolveModel(name string) Model {
	if m, ok := models[name]; ok {
		return m
	}
	return models[DefaultModel]
}

// ModelNames lists the supported public model names.
func ModelNames() []string {
	out := make([]string, 0, len(models))
	for k := range models {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolution is the target frame size for an aspect ratio.
type Resolution struct {
	Width  int
	Height int
}

var resolutions = map[string]Resolution{
	"1:1":  {Width: 720, Height: 720},
	"4:3":  {Width: 960, Height: 720},
	"3:4":  {Width: 720, Height: 960},
	"16:9": {Width: 1280, Height: 720},
	"9:16": {Width: 720, Height: 1280},
	"21:9": {Width: 1680, Height: 720},
}

// ResolveResolution returns the frame size for ratio, defaulting to 4:3.
func ResolveResolution(ratio string) Resolution {
	if r, ok := resolutions[ratio]; ok {
		return r
	}
	return resolutions[DefaultRatio]
}

// RatioNames lists the supported aspect ratios.
func RatioNames() []string {
	out := make([]string, 0, len(resolutions))
	for k := range resolutions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AspectRatio reduces the frame size to lowest terms, e.g. 1680x720 -> "7:3".
func (r Resolution) AspectRatio() string {
	d := gcd(r.Width, r.Height)
	if d == 0 {
		return "0:0"
	}
	return fmt.Sprintf("%d:%d", r.Width/d, r.Height/d)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
