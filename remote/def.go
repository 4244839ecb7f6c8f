package remote

import "time"

const (
	ContentTypeJPEG   = "image/jpeg"
	DescriptionHeader = "x-amz-meta-nvcf-asset-description"
	AssetRefsHeader   = "NVCF-INPUT-ASSET-REFERENCES"
	AssetIDsHeader    = "NVCF-FUNCTION-ASSET-IDS"
	RequestIDHeader   = "NVCF-REQID"

	DefaultAssetURL    = "https://api.nvcf.nvidia.com/v2/nvcf/assets"
	DefaultInvokeURL   = "https://ai.api.nvidia.com/v1/cv/nvidia/nv-grounding-dino"
	DefaultPollBaseURL = "https://api.nvcf.nvidia.com/v2/nvcf/pexec/status/"
	DefaultModel       = "Grounding-Dino"
	DefaultDescription = "Input Image"
	DefaultTimeout     = 30 * time.Second
)

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	APIKey           string
	AssetURL         string
	InvokeURL        string
	PollBaseURL      string
	Model            string
	AssetDescription string
	Timeout          time.Duration
}

func (o Options) withDefaults() Options {
	if o.AssetURL == "" {
		o.AssetURL = DefaultAssetURL
	}
	if o.InvokeURL == "" {
		o.InvokeURL = DefaultInvokeURL
	}
	if o.PollBaseURL == "" {
		o.PollBaseURL = DefaultPollBaseURL
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.AssetDescription == "" {
		o.AssetDescription = DefaultDescription
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

type assetRequest struct {
	ContentType string `json:"contentType"`
	Description string `json:"description"`
}

type assetResponse struct {
	AssetID   string `json:"assetId"`
	UploadURL string `json:"uploadUrl"`
}

type invokeRequest struct {
	Model     string          `json:"model"`
	Messages  []invokeMessage `json:"messages"`
	Threshold float64         `json:"threshold"`
}

type invokeMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	MediaURL *mediaURL `json:"media_url,omitempty"`
}

type mediaURL struct {
	URL string `json:"url"`
}
