package video

import (
	"encoding/json"
	"strconv"

	"github.com/wwwzhouhui/seedance2.0/internal/providers/jimeng"
	"github.com/wwwzhouhui/seedance2.0/internal/providers/prompt"
)

const (
	draftFPS         = 24
	draftVideoMode   = 2
	seedUpperBound   = 1_000_000_000
	resourceID       = "generate_video"
	functionMode     = "omni_reference"
	generateScene    = "BasicVideoGenerateButton"
	unifiedEditLabel = "AIGC_Video_UnifiedEdit"
)

// UploadedImage is a stored reference image; its position is its material index.
type UploadedImage struct {
	URI    string
	Width  int
	Height int
}

type draftParams struct {
	Model      Model
	Resolution Resolution
	Duration   int
	Images     []UploadedImage
	Segments   []prompt.Segment
	Seed       int64
	CreatedMS  int64
	NewID      func() string
}

// buildDraft assembles the aigc_draft/generate request body.
func buildDraft(p draftParams) (map[string]any, error) {
	id := p.NewID
	submitID := id()
	componentID := id()

	sceneOptions, err := json.Marshal([]any{map[string]any{
		"type":          "video",
		"scene":         generateScene,
		"modelReqKey":   p.Model.ReqKey,
		"videoDuration": p.Duration,
		"reportParams": map[string]any{
			"enterSource":                      "generate",
			"vipSource":                        "generate",
			"extraVipFunctionKey":              p.Model.ReqKey,
			"useVipFunctionDetailsReporterHoc": true,
		},
		"materialTypes": []int{1},
	}})
	if err != nil {
		return nil, err
	}
	metricsExtra, err := json.Marshal(map[string]any{
		"isDefaultSeed":  1,
		"originSubmitId": submitID,
		"isRegenerate":   false,
		"enterFrom":      "click",
		"position":       "page_bottom_box",
		"functionMode":   functionMode,
		"sceneOptions":   string(sceneOptions),
	})
	if err != nil {
		return nil, err
	}

	draftContent, err := json.Marshal(map[string]any{
		"type":              "draft",
		"id":                id(),
		"min_version":       jimeng.SeedanceDraftVersion,
		"min_features":      []string{unifiedEditLabel},
		"is_from_tsn":       true,
		"version":           jimeng.SeedanceDraftVersion,
		"main_component_id": componentID,
		"component_list": []any{map[string]any{
			"type":        "video_base_component",
			"id":          componentID,
			"min_version": "1.0.0",
			"aigc_mode":   "workbench",
			"metadata": map[string]any{
				"type":                     "",
				"id":                       id(),
				"created_platform":         3,
				"created_platform_version": "",
				"created_time_in_ms":       strconv.FormatInt(p.CreatedMS, 10),
				"created_did":              "",
			},
			"generate_type": "gen_video",
			"abilities": map[string]any{
				"type": "",
				"id":   id(),
				"gen_video": map[string]any{
					"type": "",
					"id":   id(),
					"text_to_video_params": map[string]any{
						"type": "",
						"id":   id(),
						"video_gen_inputs": []any{map[string]any{
							"type":           "",
							"id":             id(),
							"min_version":    jimeng.SeedanceDraftVersion,
							"prompt":         "",
							"video_mode":     draftVideoMode,
							"fps":            draftFPS,
							"duration_ms":    p.Duration * 1000,
							"idip_meta_list": []any{},
							"unified_edit_input": map[string]any{
								"type":          "",
								"id":            id(),
								"material_list": materialList(p.Images, id),
								"meta_list":     metaList(p.Segments),
							},
						}},
						"video_aspect_ratio": p.Resolution.AspectRatio(),
						"seed":               p.Seed,
						"model_req_key":      p.Model.ReqKey,
						"priority":           0,
					},
					"video_task_extra": string(metricsExtra),
				},
			},
			"process_type": 1,
		}},
	})
	if err != nil {
		return nil, err
	}

	commerce := map[string]any{
		"benefit_type":      p.Model.BenefitType,
		"resource_id":       resourceID,
		"resource_id_type":  "str",
		"resource_sub_type": "aigc",
	}
	return map[string]any{
		"extend": map[string]any{
			"root_model":                 p.Model.ReqKey,
			"m_video_commerce_info":      commerce,
			"m_video_commerce_info_list": []any{commerce},
		},
		"submit_id":        submitID,
		"metrics_extra":    string(metricsExtra),
		"draft_content":    string(draftContent),
		"http_common_info": map[string]any{"aid": jimeng.AssistantID},
	}, nil
}

func materialList(images []UploadedImage, id func() string) []any {
	out := make([]any, 0, len(images))
	for _, img := range images {
		out = append(out, map[string]any{
			"type":          "",
			"id":            id(),
			"material_type": "image",
			"image_info": map[string]any{
				"type":          "image",
				"id":            id(),
				"source_from":   "upload",
				"platform_type": 1,
				"name":          "",
				"image_uri":     img.URI,
				"aigc_image":    map[string]any{"type": "", "id": id()},
				"width":         img.Width,
				"height":        img.Height,
				"format":        "",
				"uri":           img.URI,
			},
		})
	}
	return out
}

func metaList(segments []prompt.Segment) []any {
	out := make([]any, 0, len(segments))
	for _, seg := range segments {
		if seg.Kind == prompt.KindImage {
			out = append(out, map[string]any{
				"meta_type":    "image",
				"text":         "",
				"material_ref": map[string]any{"material_idx": seg.Index},
			})
			continue
		}
		out = append(out, map[string]any{"meta_type": "text", "text": seg.Text})
	}
	return out
}
