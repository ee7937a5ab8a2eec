package disaster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 11, 18, 3, 30, 0, 0, time.UTC)

func TestRecordRequiresDisasterStart(t *testing.T) {
	l := NewLogger()
	l.Record("ISTJ", KindLoss, baseTime, map[string]interface{}{"value": 10.0})
	assert.Empty(t, l.Events("ISTJ"))

	l.Record("ISTJ", KindInit, baseTime, map[string]interface{}{"message": "建立"})
	assert.Len(t, l.Events("ISTJ"), 1)

	l.SetDisasterStart(baseTime)
	l.Record("ISTJ", KindLoss, baseTime, map[string]interface{}{"value": 10.0})
	assert.Len(t, l.Events("ISTJ"), 2)
}

func TestPerfectScores(t *testing.T) {
	l := NewLogger()
	l.SetDisasterStart(baseTime)
	// No damage, instant reaction, no conflicts.
	l.Record("ESFJ", KindReaction, baseTime.Add(3*time.Second), map[string]interface{}{"action": "指揮疏散"})
	l.Record("ESFJ", KindLoss, baseTime.Add(3*time.Second), map[string]interface{}{"value": 0.0})

	scores := l.ComputeScores(map[string]FinalState{"ESFJ": {HP: 100}})
	require.Contains(t, scores, "ESFJ")
	assert.Equal(t, 10.0, scores["ESFJ"].LossScore)
	assert.Equal(t, 10.0, scores["ESFJ"].ResponseScore)
	assert.Equal(t, 0.0, scores["ESFJ"].CoopScore)
	assert.Equal(t, 20.0, scores["ESFJ"].TotalScore)
}

func TestLossAndResponseScores(t *testing.T) {
	l := NewLogger()
	l.SetDisasterStart(baseTime)
	l.Record("ISTP", KindLoss, baseTime, map[string]interface{}{"value": 60.0})
	// Reaction 60 seconds in: 10 - (55/55)*10 = 0.
	l.Record("ISTP", KindReaction, baseTime.Add(60*time.Second), nil)

	scores := l.ComputeScores(map[string]FinalState{"ISTP": {HP: 40}})
	assert.Equal(t, 4.0, scores["ISTP"].LossScore)
	assert.Equal(t, 0.0, scores["ISTP"].ResponseScore)
}

func TestCooperationScoring(t *testing.T) {
	l := NewLogger()
	l.SetDisasterStart(baseTime)
	// A was damaged to 40, B helped restoring to 60 by run end.
	l.Record("A", KindLoss, baseTime, map[string]interface{}{"value": 60.0})
	l.Record("B", KindCooperation, baseTime.Add(10*time.Second), map[string]interface{}{
		"受助者": "A", "原始HP": 40.0, "治療量": 20.0, "新HP": 60.0,
	})
	// Ineffective help: the peer's HP did not end above the recorded origin.
	l.Record("B", KindCooperation, baseTime.Add(20*time.Second), map[string]interface{}{
		"受助者": "C", "原始HP": 90.0,
	})

	scores := l.ComputeScores(map[string]FinalState{
		"A": {HP: 60}, "B": {HP: 100}, "C": {HP: 90},
	})
	assert.Equal(t, 4.0, scores["A"].LossScore)
	assert.Equal(t, 2.5, scores["B"].CoopScore)
	assert.Equal(t, 2, scores["B"].CoopCount)
	assert.Contains(t, scores["B"].Notes, "有效合作 1 次")
}

func TestCoopScoreCap(t *testing.T) {
	l := NewLogger()
	l.SetDisasterStart(baseTime)
	for i := 0; i < 6; i++ {
		l.Record("ENFJ", KindCooperation, baseTime, map[string]interface{}{
			"受助者": "A", "原始HP": 40.0,
		})
	}
	scores := l.ComputeScores(map[string]FinalState{"A": {HP: 80}, "ENFJ": {HP: 100}})
	assert.Equal(t, 10.0, scores["ENFJ"].CoopScore)
}

func TestQuarrelPenaltyFloor(t *testing.T) {
	l := NewLogger()
	l.SetDisasterStart(baseTime)
	l.Record("ENTP", KindLoss, baseTime, map[string]interface{}{"value": 100.0})
	for i := 0; i < 5; i++ {
		l.Record("ENTP", KindQuarrel, baseTime, map[string]interface{}{"message": "爭執"})
	}
	scores := l.ComputeScores(map[string]FinalState{"ENTP": {HP: 0}})
	assert.Equal(t, 0.0, scores["ENTP"].TotalScore)
}

func TestGenerateReportFormat(t *testing.T) {
	l := NewLogger()
	l.SetDisasterStart(baseTime)
	l.Record("ISTJ", KindReaction, baseTime.Add(2*time.Second), nil)
	l.Record("ESFJ", KindReaction, baseTime.Add(4*time.Second), nil)

	report := l.GenerateReport(map[string]FinalState{"ISTJ": {HP: 100}, "ESFJ": {HP: 100}})
	assert.Contains(t, report.Text, "災難模擬評分報表")
	assert.Contains(t, report.Text, "代理人")
	assert.Contains(t, report.Text, "ISTJ")
	assert.Contains(t, report.Text, "ESFJ")
	assert.Contains(t, report.Text, "• 記錄合作 0 次")
	assert.Len(t, report.Scores, 2)
	// Trailing blank lines are trimmed.
	assert.False(t, len(report.Text) > 0 && report.Text[len(report.Text)-1] == '\n')
}

func TestGenerateReportEmpty(t *testing.T) {
	report := NewLogger().GenerateReport(nil)
	assert.Empty(t, report.Scores)
	assert.Contains(t, report.Text, "災難模擬評分報表")
}
