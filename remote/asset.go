package remote

import (
	"context"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	iface "GroundingDet/interface"
	"GroundingDet/logger"
)

// Upload exchanges the image bytes for an asset handle: it asks for a
// pre-signed upload target, then PUTs the bytes there with the same
// content type and description the target was signed for.
func (c *Client) Upload(ctx context.Context, image iface.ImageBuffer) (iface.AssetHandle, error) {
	if err := c.checkCredential(); err != nil {
		return iface.AssetHandle{}, err
	}
	if len(image.Data) == 0 {
		return iface.AssetHandle{}, iface.NewError(iface.KindConfiguration, "empty image")
	}

	handle, err := c.requestAsset(ctx)
	if err != nil {
		return iface.AssetHandle{}, err
	}
	if err := cancelled(ctx); err != nil {
		return iface.AssetHandle{}, err
	}
	if err := c.putAsset(ctx, handle, image.Data); err != nil {
		return iface.AssetHandle{}, err
	}
	logger.Log().Debug("asset uploaded", zap.String("asset_id", handle.ID), zap.Int("bytes", len(image.Data)))
	return handle, nil
}

func (c *Client) requestAsset(ctx context.Context) (iface.AssetHandle, error) {
	body, err := json.Marshal(assetRequest{ContentType: ContentTypeJPEG, Description: c.opts.AssetDescription})
	if err != nil {
		return iface.AssetHandle{}, iface.WrapError(iface.KindAssetRequest, err, "encode asset request")
	}
	resp, err := c.authed(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(body).
		Post(c.opts.AssetURL)
	if err != nil {
		return iface.AssetHandle{}, iface.WrapError(iface.KindAssetRequest, err, "asset request")
	}
	if !resp.IsSuccess() {
		return iface.AssetHandle{}, iface.StatusError(iface.KindAssetRequest, resp.StatusCode(), resp.Body())
	}
	var ar assetResponse
	if err := json.Unmarshal(resp.Body(), &ar); err != nil {
		return iface.AssetHandle{}, iface.WrapError(iface.KindAssetRequest, err, "decode asset response")
	}
	if ar.AssetID == "" || ar.UploadURL == "" {
		return iface.AssetHandle{}, iface.NewError(iface.KindAssetRequest, "asset response lacks assetId or uploadUrl")
	}
	return iface.AssetHandle{ID: ar.AssetID, UploadTarget: ar.UploadURL}, nil
}

func (c *Client) putAsset(ctx context.Context, handle iface.AssetHandle, data []byte) error {
	// no bearer token: the target URL carries its own signature
	resp, err := c.request(ctx).
		SetHeader("Content-Type", ContentTypeJPEG).
		SetHeader(DescriptionHeader, c.opts.AssetDescription).
		SetBody(data).
		Put(handle.UploadTarget)
	if err != nil {
		return iface.WrapError(iface.KindAssetPut, err, "asset upload")
	}
	if !resp.IsSuccess() {
		return iface.StatusError(iface.KindAssetPut, resp.StatusCode(), resp.Body())
	}
	return nil
}
