package fal

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelforge/backend/internal/invoker"
	"github.com/pixelforge/backend/internal/pricing"
)

// Model ids served by fal.ai.
const (
	FluxSchnell       = "fal-ai/flux/schnell"
	FluxPro           = "fal-ai/flux-pro/v1.1"
	RecraftV3         = "fal-ai/recraft-v3"
	KlingTextToVideo  = "fal-ai/kling-video/v1.6/standard/text-to-video"
	KlingImageToVideo = "fal-ai/kling-video/v1.6/standard/image-to-video"
	BiRefNet          = "fal-ai/birefnet"
	ClarityUpscaler   = "fal-ai/clarity-upscaler"
)

// bodyMapper turns generic tool parameters into a model request body.
type bodyMapper func(params map[string]any) (map[string]any, error)

type adapter struct {
	client  *Client
	modelID string
	mapBody bodyMapper
}

func (a *adapter) Invoke(ctx context.Context, params map[string]any) (invoker.Result, error) {
	body, err := a.mapBody(params)
	if err != nil {
		return invoker.Result{Error: err.Error()}, fmt.Errorf("%w: %v", invoker.ErrInvalidParameters, err)
	}
	raw, err := a.client.Run(ctx, a.modelID, body)
	if err != nil {
		return invoker.Result{Error: err.Error()}, err
	}
	outputs := ExtractOutputs(raw)
	if len(outputs) == 0 {
		return invoker.Result{Error: "no output in response"}, fmt.Errorf("%w: %s returned no output", invoker.ErrProviderFailure, a.modelID)
	}
	return invoker.Result{Success: true, OutputURL: outputs[0], Outputs: outputs}, nil
}

// Register adds every fal.ai model to reg. Video models get videoTimeout,
// the rest imageTimeout.
func Register(reg *invoker.Registry, c *Client, imageTimeout, videoTimeout time.Duration) {
	image := map[string]bodyMapper{
		FluxSchnell:     fluxSchnellBody,
		FluxPro:         fluxProBody,
		RecraftV3:       recraftBody,
		BiRefNet:        birefnetBody,
		ClarityUpscaler: clarityBody,
	}
	for id, m := range image {
		reg.Register(id, &adapter{client: c, modelID: id, mapBody: m}, imageTimeout)
	}
	video := map[string]bodyMapper{
		KlingTextToVideo:  klingTextBody,
		KlingImageToVideo: klingImageBody,
	}
	for id, m := range video {
		reg.Register(id, &adapter{client: c, modelID: id, mapBody: m}, videoTimeout)
	}
}

// ---------------------------------------------------------------------------
// Parameter mapping
// ---------------------------------------------------------------------------

var imageSizes = map[string]string{
	"1:1":  "square_hd",
	"4:3":  "landscape_4_3",
	"3:4":  "portrait_4_3",
	"16:9": "landscape_16_9",
	"9:16": "portrait_16_9",
}

func str(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	return pricing.Stringify(v)
}

func required(params map[string]any, key string) (string, error) {
	v := str(params, key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func intParam(params map[string]any, key string, def, min, max int) int {
	switch v := params[key].(type) {
	case float64:
		def = int(v)
	case int:
		def = v
	case int64:
		def = int(v)
	}
	if def < min {
		return min
	}
	if def > max {
		return max
	}
	return def
}

func imageSize(params map[string]any) string {
	if size, ok := imageSizes[str(params, "aspect_ratio")]; ok {
		return size
	}
	return "square_hd"
}

func copyOptional(dst, params map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := params[k]; ok && v != nil && v != "" {
			dst[k] = v
		}
	}
}

func fluxSchnellBody(params map[string]any) (map[string]any, error) {
	prompt, err := required(params, "prompt")
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"prompt":              prompt,
		"image_size":          imageSize(params),
		"num_images":          intParam(params, "num_images", 1, 1, 4),
		"num_inference_steps": 4,
	}
	copyOptional(body, params, "seed")
	return body, nil
}

func fluxProBody(params map[string]any) (map[string]any, error) {
	prompt, err := required(params, "prompt")
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"prompt":           prompt,
		"image_size":       imageSize(params),
		"num_images":       intParam(params, "num_images", 1, 1, 4),
		"safety_tolerance": "2",
	}
	copyOptional(body, params, "seed")
	return body, nil
}

func recraftBody(params map[string]any) (map[string]any, error) {
	prompt, err := required(params, "prompt")
	if err != nil {
		return nil, err
	}
	style := str(params, "style")
	if style == "" {
		style = "realistic_image"
	}
	return map[string]any{
		"prompt":     prompt,
		"image_size": imageSize(params),
		"style":      style,
	}, nil
}

func birefnetBody(params map[string]any) (map[string]any, error) {
	imageURL, err := required(params, "image_url")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"image_url":     imageURL,
		"output_format": "png",
	}, nil
}

func clarityBody(params map[string]any) (map[string]any, error) {
	imageURL, err := required(params, "image_url")
	if err != nil {
		return nil, err
	}
	prompt := str(params, "prompt")
	if prompt == "" {
		prompt = "masterpiece, best quality, highres"
	}
	body := map[string]any{
		"image_url":      imageURL,
		"prompt":         prompt,
		"upscale_factor": intParam(params, "upscale_factor", 2, 1, 4),
	}
	copyOptional(body, params, "creativity", "resemblance")
	return body, nil
}

func klingDuration(params map[string]any) string {
	if str(params, "duration") == "10" {
		return "10"
	}
	return "5"
}

func klingAspect(params map[string]any) string {
	switch ar := str(params, "aspect_ratio"); ar {
	case "16:9", "9:16", "1:1":
		return ar
	}
	return "16:9"
}

func klingTextBody(params map[string]any) (map[string]any, error) {
	prompt, err := required(params, "prompt")
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"prompt":       prompt,
		"duration":     klingDuration(params),
		"aspect_ratio": klingAspect(params),
	}
	copyOptional(body, params, "negative_prompt")
	return body, nil
}

func klingImageBody(params map[string]any) (map[string]any, error) {
	prompt, err := required(params, "prompt")
	if err != nil {
		return nil, err
	}
	imageURL, err := required(params, "image_url")
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"prompt":    prompt,
		"image_url": imageURL,
		"duration":  klingDuration(params),
	}
	copyOptional(body, params, "negative_prompt")
	return body, nil
}
