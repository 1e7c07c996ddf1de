package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/declue/aipilot/internal/domain"
)

var (
	planningGate = []domain.Intent{domain.IntentApprove, domain.IntentRevise}
	reviewGate   = []domain.Intent{domain.IntentAccept, domain.IntentAdditionalWork, domain.IntentNewRequest}
)

func TestClassify_PlanningGate(t *testing.T) {
	tests := []struct {
		input string
		want  domain.Intent
	}{
		{"1", domain.IntentApprove},
		{" 1. ", domain.IntentApprove},
		{"2", domain.IntentRevise},
		{"OK", domain.IntentApprove},
		{"yes, go ahead", domain.IntentApprove},
		{"승인합니다", domain.IntentApprove},
		{"please change step 2 to use git", domain.IntentRevise},
		{"다른 방법으로 해주세요", domain.IntentRevise},
		{"ok but change the order", domain.IntentAmbiguous},
		{"not ok", domain.IntentAmbiguous},
		{"yes, don't change anything", domain.IntentAmbiguous},
		{"don't modify the plan", domain.IntentAmbiguous},
		{"수정하지마", domain.IntentAmbiguous},
		{"2: don't touch the tests", domain.IntentRevise},
		{"hmm", domain.IntentAmbiguous},
		{"", domain.IntentAmbiguous},
		{"3", domain.IntentAmbiguous},
		{"1st thing", domain.IntentAmbiguous},
		{"okay-ish?", domain.IntentApprove},
		{"token", domain.IntentAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.input, planningGate))
		})
	}
}

func TestClassify_ReviewGate(t *testing.T) {
	tests := []struct {
		input string
		want  domain.Intent
	}{
		{"1", domain.IntentAccept},
		{"2", domain.IntentAdditionalWork},
		{"3", domain.IntentNewRequest},
		{"done", domain.IntentAccept},
		{"결과 수락", domain.IntentAccept},
		{"추가로 테스트도 작성해줘", domain.IntentAdditionalWork},
		{"please fix the failing step", domain.IntentAdditionalWork},
		{"new request: summarize the repo", domain.IntentNewRequest},
		{"새로운 작업을 할게요", domain.IntentNewRequest},
		{"not done", domain.IntentAmbiguous},
		{"no more work needed, done", domain.IntentAmbiguous},
		{"I don't want additional work", domain.IntentAmbiguous},
		{"추가 작업은 하지마", domain.IntentAmbiguous},
		{"1 - no changes needed", domain.IntentAccept},
		{"whatever", domain.IntentAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.input, reviewGate))
		})
	}
}

func TestParse_Detail(t *testing.T) {
	assert.Equal(t, Result{Intent: domain.IntentNewRequest, Detail: "build a site"}, Parse("3: build a site", reviewGate))
	assert.Equal(t, Result{Intent: domain.IntentNewRequest, Detail: "summarize the repo"}, Parse("new request: summarize the repo", reviewGate))
	assert.Equal(t, Result{Intent: domain.IntentRevise, Detail: "use git instead"}, Parse("2) use git instead", planningGate))
	assert.Equal(t, Result{Intent: domain.IntentRevise, Detail: "change the order"}, Parse("change the order", planningGate))
	assert.Equal(t, Result{Intent: domain.IntentAccept}, Parse("1", reviewGate))
}

func TestClassify_Deterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.IntentApprove, Classify("yes", planningGate))
	}
}

func TestClassify_NoExpectedIntents(t *testing.T) {
	assert.Equal(t, domain.IntentAmbiguous, Classify("yes", nil))
}
