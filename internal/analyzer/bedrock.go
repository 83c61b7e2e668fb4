package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
)

// BedrockAnalyzer classifies content for the Four Horsemen (criticism,
// contempt, defensiveness, stonewalling) using AWS Bedrock's Anthropic
// Claude messages API. All content stays within the caller's AWS account;
// nothing is logged by this type except the derived threat level and the
// number of detections.
type BedrockAnalyzer struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockAnalyzer creates an analyzer bound to modelID in region. If
// modelID is empty, a Claude 3 Sonnet model is used by default.
func NewBedrockAnalyzer(ctx context.Context, modelID, region string) (*BedrockAnalyzer, error) {
	if region == "" {
		region = "us-east-1"
	}
	if modelID == "" {
		modelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("analyzer: failed to load AWS config: %w", err)
	}

	return &BedrockAnalyzer{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// bedrockMessage/bedrockContentBlock/bedrockRequest/bedrockResponse mirror
// the Anthropic messages-API wire shape Bedrock's InvokeModel expects for
// anthropic.* model families.
type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// classifierOutput is the JSON shape the system prompt instructs the model
// to respond with. Analyze parses this and derives ThreatLevel itself
// rather than trusting the model's own bucketing, per the canonical table.
type classifierOutput struct {
	ToxicityScore float64 `json:"toxicity_score"`
	Reasoning     string  `json:"reasoning"`
	Horsemen      []struct {
		Horseman   string   `json:"horseman"`
		Confidence float64  `json:"confidence"`
		Severity   string   `json:"severity"`
		Indicators []string `json:"indicators"`
	} `json:"horsemen_detected"`
}

const systemPrompt = `You are a message-toxicity classifier using the Gottman "Four Horsemen" model: criticism, contempt, defensiveness, stonewalling.
Given a message and an optional sender hint, respond with ONLY a JSON object of this exact shape, no prose:
{"toxicity_score": <0.0-1.0>, "reasoning": "<short rationale>", "horsemen_detected": [{"horseman": "criticism|contempt|defensiveness|stonewalling", "confidence": <0.0-1.0>, "severity": "low|medium|high", "indicators": ["<short quoted excerpt>", ...]}]}
Quote indicators verbatim from the message so they can be located as substrings.`

// Analyze sends content to Bedrock and derives a Result. Any transport,
// parse, or schema-validation failure returns ErrUnavailable wrapping the
// cause; the orchestrator treats this as AnalysisUnavailable.
func (b *BedrockAnalyzer) Analyze(ctx context.Context, content, senderHint string) (Result, error) {
	start := time.Now()

	userMessage := content
	if senderHint != "" {
		userMessage = fmt.Sprintf("Sender: %s\n\nMessage:\n%s", senderHint, content)
	}

	reqBody := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1024,
		System:           systemPrompt,
		Messages: []bedrockMessage{
			{Role: "user", Content: []bedrockContentBlock{{Type: "text", Text: userMessage}}},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal request: %v", ErrUnavailable, err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		Body:        payload,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: invoke model: %v", ErrUnavailable, err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return Result{}, fmt.Errorf("%w: unmarshal response: %v", ErrUnavailable, err)
	}
	if len(resp.Content) == 0 {
		return Result{}, fmt.Errorf("%w: empty response content", ErrUnavailable)
	}

	text := strings.TrimSpace(resp.Content[0].Text)
	var parsed classifierOutput
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: unmarshal classifier output: %v", ErrUnavailable, err)
	}

	detections := make([]Detection, 0, len(parsed.Horsemen))
	for _, h := range parsed.Horsemen {
		detections = append(detections, Detection{
			Horseman:   Horseman(h.Horseman),
			Confidence: h.Confidence,
			Severity:   Severity(h.Severity),
			Indicators: h.Indicators,
		})
	}

	result := Result{
		ToxicityScore:    parsed.ToxicityScore,
		ThreatLevel:      DeriveThreatLevel(parsed.ToxicityScore),
		HorsemenDetected: detections,
		Reasoning:        parsed.Reasoning,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}

	logger.Debug("analyzer classified message", "threat_level", string(result.ThreatLevel), "horsemen_count", len(detections))

	return result, nil
}
