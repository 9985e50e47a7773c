package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *DetectorClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *DetectorClient) *Handlers {
	return &Handlers{client: client}
}

// HandleScoreTransaction scores a single transaction.
func (h *Handlers) HandleScoreTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	buyer := req.GetString("buyer", "")
	if buyer == "" {
		return mcp.NewToolResultError("buyer is required"), nil
	}
	timestamp := req.GetString("timestamp", "")
	if timestamp == "" {
		return mcp.NewToolResultError("timestamp is required"), nil
	}

	payload := map[string]any{
		"buyer":     buyer,
		"timestamp": timestamp,
	}
	args := req.GetArguments()
	// Coordinates are forwarded untouched so the API reports bad types.
	for _, k := range []string{"latitude", "longitude"} {
		if v, ok := args[k]; ok && v != nil {
			payload[k] = v
		}
	}
	if seller := req.GetString("seller", ""); seller != "" {
		payload["seller"] = seller
	}
	if ip := req.GetString("ip", ""); ip != "" {
		payload["ip"] = ip
	}

	raw, err := h.client.ScoreTransaction(ctx, payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score transaction: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetProfile returns a user's learned profile.
func (h *Handlers) HandleGetProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := req.GetString("user", "")
	if user == "" {
		return mcp.NewToolResultError("user is required"), nil
	}

	raw, err := h.client.GetProfile(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get profile: %v", err)), nil
	}

	text, err := formatProfile(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse profile: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleBuildProfile rebuilds a user's profile from history.
func (h *Handlers) HandleBuildProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := req.GetString("user", "")
	if user == "" {
		return mcp.NewToolResultError("user is required"), nil
	}
	history, ok := req.GetArguments()["transactions"].([]any)
	if !ok {
		return mcp.NewToolResultError("transactions must be an array"), nil
	}

	raw, err := h.client.BuildProfile(ctx, user, history)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to build profile: %v", err)), nil
	}

	text, err := formatProfile(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse profile: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Built from %d transaction(s).\n\n%s", len(history), text)), nil
}

// HandleListAssessments lists a user's recent assessments.
func (h *Handlers) HandleListAssessments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := req.GetString("user", "")
	if user == "" {
		return mcp.NewToolResultError("user is required"), nil
	}
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListAssessments(ctx, user, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list assessments: %v", err)), nil
	}

	text, err := formatAssessmentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessments: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRunDecaySweep triggers a decay sweep.
func (h *Handlers) HandleRunDecaySweep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunDecaySweep(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Decay sweep failed: %v", err)), nil
	}

	var resp struct {
		Sweep map[string]any `json:"sweep"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Sweep == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	var sb strings.Builder
	sb.WriteString("Decay sweep complete:\n")
	if v, ok := getFloat(resp.Sweep, "profiles"); ok {
		fmt.Fprintf(&sb, "  Profiles: %.0f\n", v)
	}
	if v, ok := getFloat(resp.Sweep, "decayed"); ok {
		fmt.Fprintf(&sb, "  Decayed:  %.0f\n", v)
	}
	if v, ok := getFloat(resp.Sweep, "pruned"); ok {
		fmt.Fprintf(&sb, "  Pruned clusters: %.0f\n", v)
	}
	if v, ok := getFloat(resp.Sweep, "durationNs"); ok {
		fmt.Fprintf(&sb, "  Took: %s\n", time.Duration(v).Round(time.Microsecond))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

// unwrap returns the object under key, or the whole response when the key
// is absent.
func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if inner, ok := resp[key].(map[string]any); ok {
		return inner, nil
	}
	return resp, nil
}

func formatAssessment(raw json.RawMessage) (string, error) {
	a, err := unwrap(raw, "assessment")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	writeAssessment(&sb, a, "")
	return sb.String(), nil
}

func writeAssessment(sb *strings.Builder, a map[string]any, indent string) {
	verdict := "normal"
	if anomaly, _ := a["isAnomaly"].(bool); anomaly {
		verdict = "ANOMALY"
	}
	score, _ := getFloat(a, "score")
	fmt.Fprintf(sb, "%sScore: %.3f (%s)\n", indent, score, verdict)
	if v := getString(a, "userId"); v != "" {
		fmt.Fprintf(sb, "%sUser: %s\n", indent, v)
	}
	if v := getString(a, "transactionAt"); v != "" {
		fmt.Fprintf(sb, "%sAt: %s", indent, v)
		if slot := getString(a, "slot"); slot != "" {
			fmt.Fprintf(sb, " (%s)", slot)
		}
		sb.WriteString("\n")
	}
	if v, ok := getFloat(a, "nearestClusterKm"); ok {
		fmt.Fprintf(sb, "%sNearest cluster: %.2f km\n", indent, v)
	} else {
		fmt.Fprintf(sb, "%sNearest cluster: none (no profile yet)\n", indent)
	}
	if factors, ok := a["factors"].(map[string]any); ok {
		d, _ := getFloat(factors, "distance")
		t, _ := getFloat(factors, "time")
		fmt.Fprintf(sb, "%sFactors: distance %.3f, time %.3f\n", indent, d, t)
	}
	if v := getString(a, "id"); v != "" {
		fmt.Fprintf(sb, "%sID: %s\n", indent, v)
	}
}

func formatAssessmentList(raw json.RawMessage) (string, error) {
	var resp struct {
		Assessments []map[string]any `json:"assessments"`
		NextCursor  string           `json:"nextCursor"`
		HasMore     bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected assessments response format")
	}

	if len(resp.Assessments) == 0 {
		return "No assessments found.", nil
	}

	flagged := 0
	for _, a := range resp.Assessments {
		if anomaly, _ := a["isAnomaly"].(bool); anomaly {
			flagged++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d assessment(s), %d flagged:\n\n", len(resp.Assessments), flagged)
	for i, a := range resp.Assessments {
		fmt.Fprintf(&sb, "%d.\n", i+1)
		writeAssessment(&sb, a, "   ")
		if i < len(resp.Assessments)-1 {
			sb.WriteString("\n")
		}
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore available. Next cursor: %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatProfile(raw json.RawMessage) (string, error) {
	p, err := unwrap(raw, "profile")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Profile: %s\n", getString(p, "userId"))
	if v, ok := getFloat(p, "totalCount"); ok {
		fmt.Fprintf(&sb, "  Transactions learned: %.0f\n", v)
	}
	if v := getString(p, "updatedAt"); v != "" {
		fmt.Fprintf(&sb, "  Updated: %s\n", v)
	}

	clusters, _ := p["clusters"].([]any)
	if len(clusters) == 0 {
		sb.WriteString("  Clusters: none\n")
	} else {
		fmt.Fprintf(&sb, "  Clusters (%d):\n", len(clusters))
		for i, item := range clusters {
			c, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var lat, lon float64
			if center, ok := c["center"].(map[string]any); ok {
				lat, _ = getFloat(center, "lat")
				lon, _ = getFloat(center, "lon")
			}
			radius, _ := getFloat(c, "radiusKm")
			weight, _ := getFloat(c, "weight")
			fmt.Fprintf(&sb, "    %d. (%.4f, %.4f) radius %.2f km, weight %.2f\n", i+1, lat, lon, radius, weight)
		}
	}

	if hist, ok := p["globalHistogram"].(map[string]any); ok && len(hist) > 0 {
		sb.WriteString("  Time slots: " + formatHistogram(hist) + "\n")
	}

	return sb.String(), nil
}

// formatHistogram renders slot counts busiest first.
func formatHistogram(hist map[string]any) string {
	type slotCount struct {
		slot  string
		count float64
	}
	counts := make([]slotCount, 0, len(hist))
	for k, v := range hist {
		if f, ok := v.(float64); ok {
			counts = append(counts, slotCount{slot: k, count: f})
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].slot < counts[j].slot
	})

	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = fmt.Sprintf("%s=%.0f", c.slot, c.count)
	}
	return strings.Join(parts, ", ")
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
