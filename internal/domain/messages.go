package domain

import (
	"errors"
	"fmt"
)

const (
	LocaleZH = "zh"
	LocaleEN = "en"
)

// longRunningAfter switches the polling message to the elapsed-minutes wording.
const longRunningAfter = 120

// Render formats the progress for display.
func (p Progress) Render(locale string) string {
	en := locale == LocaleEN
	switch p.Stage {
	case StageUploading:
		if p.Total == 0 {
			return pick(en, "Uploading reference images...", "正在上传参考图片...")
		}
		return pick(en,
			fmt.Sprintf("Uploading image %d/%d...", p.Current, p.Total),
			fmt.Sprintf("正在上传第 %d/%d 张图片...", p.Current, p.Total))
	case StageSubmitting:
		return pick(en, "Submitting the generation request...", "正在提交视频生成请求...")
	case StageSubmitted:
		return pick(en, "Submitted, waiting for the video to be generated...", "已提交，等待AI生成视频...")
	case StagePolling:
		secs := int(p.Elapsed.Seconds())
		if secs < longRunningAfter {
			return pick(en, "Generating the video, please wait...", "AI正在生成视频，请耐心等待...")
		}
		return pick(en,
			fmt.Sprintf("Still generating, waited %d minutes...", secs/60),
			fmt.Sprintf("视频生成中，已等待 %d 分钟...", secs/60))
	case StageResolving:
		return pick(en, "Fetching the high quality video...", "正在获取高清视频...")
	default:
		return pick(en, "Preparing...", "正在准备...")
	}
}

// UserMessage maps an internal error to the explanation shown to callers.
func UserMessage(err error, locale string) string {
	en := locale == LocaleEN
	var (
		business  *BusinessError
		upload    *UploadError
		failed    *GenerationFailedError
		invalid   *ValidationError
		transport *TransportError
		upstream  *UpstreamStatusError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientCredits):
		return pick(en,
			"Not enough Jimeng credits, claim more on the Jimeng website",
			"即梦积分不足，请前往即梦官网领取积分")
	case errors.Is(err, ErrContentFiltered):
		return pick(en,
			"The content was filtered, please revise the prompt and retry",
			"内容被过滤，请修改提示词后重试")
	case errors.As(err, &failed):
		return pick(en,
			fmt.Sprintf("Video generation failed, code: %d", failed.FailCode),
			fmt.Sprintf("视频生成失败，错误码: %d", failed.FailCode))
	case errors.Is(err, ErrTimeout):
		return pick(en,
			"Video generation timed out (about 20 minutes), please retry later",
			"视频生成超时 (约20分钟)，请稍后重试")
	case errors.Is(err, ErrResultMissing):
		return pick(en, "Could not obtain the video URL", "未能获取视频URL")
	case errors.Is(err, ErrMissingHistoryID):
		return pick(en, "The submission returned no record id", "未获取到记录ID")
	case errors.As(err, &business):
		return pick(en,
			fmt.Sprintf("Jimeng API error (ret=%s): %s", business.Code, business.Message),
			fmt.Sprintf("即梦API错误 (ret=%s): %s", business.Code, business.Message))
	case errors.As(err, &upload):
		return pick(en,
			fmt.Sprintf("Image upload failed at %s step: %v", upload.Stage, upload.Err),
			fmt.Sprintf("图片上传失败 (%s): %v", upload.Stage, upload.Err))
	case errors.As(err, &invalid):
		return invalid.Error()
	case errors.As(err, &transport):
		return pick(en,
			fmt.Sprintf("Network error: %v", transport.Err),
			fmt.Sprintf("网络错误: %v", transport.Err))
	case errors.Is(err, ErrMissingSession):
		return pick(en,
			"No Session ID configured, please fill it in the settings",
			"未配置 Session ID，请在设置中填写")
	case errors.Is(err, ErrNoImages):
		return pick(en,
			"Seedance 2.0 needs at least one reference image",
			"Seedance 2.0 需要至少上传一张参考图片")
	case errors.Is(err, ErrTooManyFiles):
		return pick(en, "Too many files (at most 5)", "文件数量超过限制 (最多5个)")
	case errors.Is(err, ErrPayloadTooLarge):
		return pick(en, "File size exceeds the limit (max 20MB)", "文件大小超过限制 (最大20MB)")
	case errors.Is(err, ErrMissingURL):
		return pick(en, "Missing url parameter", "缺少 url 参数")
	case errors.As(err, &upstream):
		return pick(en,
			fmt.Sprintf("Failed to fetch the video: %d", upstream.Status),
			fmt.Sprintf("视频获取失败: %d", upstream.Status))
	case errors.Is(err, ErrRateLimited):
		return pick(en, "Too many requests, please try again later", "请求过于频繁，请稍后再试")
	case errors.Is(err, ErrNotFound):
		return pick(en, "Task not found", "任务不存在")
	default:
		return pick(en, "Video generation failed", "视频生成失败")
	}
}

func pick(en bool, english, chinese string) string {
	if en {
		return english
	}
	return chinese
}
