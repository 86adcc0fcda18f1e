package tracing

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"
)

var _ = Describe("DBTracer", func() {
	var (
		mockCtrl     *gomock.Controller
		timeTeller   *MockTimeTeller
		dataRecorder *MockDataRecorder
		t            *DBTracer
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		timeTeller = NewMockTimeTeller(mockCtrl)
		dataRecorder = NewMockDataRecorder(mockCtrl)

		dataRecorder.EXPECT().CreateTable("trace", gomock.Any())
		dataRecorder.EXPECT().CreateTable("trace_milestones", gomock.Any())

		t = NewDBTracer(timeTeller, dataRecorder)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should not be tracing before a session is opened", func() {
		Expect(t.IsTracing()).To(BeFalse())
	})

	It("should open a session table when tracing is enabled", func() {
		timeTeller.EXPECT().CurrentTime().Return(1.0)
		dataRecorder.EXPECT().CreateTable("trace1", gomock.Any())

		t.EnableTracing()

		Expect(t.IsTracing()).To(BeTrue())
	})

	It("should write a completed task to the session table", func() {
		timeTeller.EXPECT().CurrentTime().Return(1.0)
		dataRecorder.EXPECT().CreateTable("trace1", gomock.Any())
		t.EnableTracing()

		timeTeller.EXPECT().CurrentTime().Return(2.0)
		t.StartTask(Task{
			ID:       "1",
			Kind:     "fault",
			What:     "resolve",
			Location: "Kernel",
		})

		timeTeller.EXPECT().CurrentTime().Return(3.0)
		dataRecorder.EXPECT().InsertData("trace1", taskTableEntry{
			ID:        "1",
			Kind:      "fault",
			What:      "resolve",
			Location:  "Kernel",
			StartTime: 2.0,
			EndTime:   3.0,
		})
		t.EndTask(Task{ID: "1"})
	})

	It("should panic when a task misses required fields", func() {
		Expect(func() {
			t.StartTask(Task{ID: "1"})
		}).To(Panic())
	})

	It("should ignore tasks that end when no session is open", func() {
		timeTeller.EXPECT().CurrentTime().Return(1.0)
		t.StartTask(Task{
			ID:       "1",
			Kind:     "fault",
			What:     "resolve",
			Location: "Kernel",
		})

		timeTeller.EXPECT().CurrentTime().Return(2.0)
		t.EndTask(Task{ID: "1"})
	})

	It("should drop tasks that end before the time range", func() {
		t.SetTimeRange(10.0, 20.0)

		timeTeller.EXPECT().CurrentTime().Return(0.5)
		dataRecorder.EXPECT().CreateTable("trace1", gomock.Any())
		t.EnableTracing()

		timeTeller.EXPECT().CurrentTime().Return(1.0)
		t.StartTask(Task{
			ID:       "1",
			Kind:     "fault",
			What:     "resolve",
			Location: "Kernel",
		})

		timeTeller.EXPECT().CurrentTime().Return(2.0)
		t.EndTask(Task{ID: "1"})
	})

	It("should drop tasks that start after the time range", func() {
		t.SetTimeRange(10.0, 20.0)

		timeTeller.EXPECT().CurrentTime().Return(0.5)
		dataRecorder.EXPECT().CreateTable("trace1", gomock.Any())
		t.EnableTracing()

		timeTeller.EXPECT().CurrentTime().Return(25.0)
		t.StartTask(Task{
			ID:       "2",
			Kind:     "fault",
			What:     "resolve",
			Location: "Kernel",
		})

		timeTeller.EXPECT().CurrentTime().Return(26.0)
		t.EndTask(Task{ID: "2"})
	})

	It("should write the session index and ongoing tasks when tracing stops",
		func() {
			timeTeller.EXPECT().CurrentTime().Return(1.0)
			dataRecorder.EXPECT().CreateTable("trace1", gomock.Any())
			t.EnableTracing()

			timeTeller.EXPECT().CurrentTime().Return(2.0)
			t.StartTask(Task{
				ID:       "1",
				Kind:     "fault",
				What:     "resolve",
				Location: "Kernel",
			})

			timeTeller.EXPECT().CurrentTime().Return(5.0)
			dataRecorder.EXPECT().InsertData("trace", traceIndexEntry{
				TableName:    "trace1",
				SessionStart: 1.0,
				SessionEnd:   5.0,
			})
			dataRecorder.EXPECT().InsertData("trace1", taskTableEntry{
				ID:        "1",
				Kind:      "fault",
				What:      "resolve",
				Location:  "Kernel",
				StartTime: 2.0,
				EndTime:   5.0,
			})
			dataRecorder.EXPECT().Flush()

			t.StopTracingAtCurrentTime()

			Expect(t.IsTracing()).To(BeFalse())
		})

	It("should do nothing when stopping without a session", func() {
		t.StopTracingAtCurrentTime()

		Expect(t.IsTracing()).To(BeFalse())
	})

	It("should number session tables sequentially", func() {
		timeTeller.EXPECT().CurrentTime().Return(1.0)
		dataRecorder.EXPECT().CreateTable("trace1", gomock.Any())
		t.EnableTracing()

		timeTeller.EXPECT().CurrentTime().Return(2.0)
		dataRecorder.EXPECT().InsertData("trace", gomock.Any())
		dataRecorder.EXPECT().Flush()
		t.StopTracingAtCurrentTime()

		timeTeller.EXPECT().CurrentTime().Return(3.0)
		dataRecorder.EXPECT().CreateTable("trace2", gomock.Any())
		t.EnableTracing()

		timeTeller.EXPECT().CurrentTime().Return(4.0)
		dataRecorder.EXPECT().InsertData("trace", gomock.Any())
		dataRecorder.EXPECT().Flush()
		t.StopTracingAtCurrentTime()
	})

	It("should record milestones", func() {
		milestone := Milestone{
			ID:               "m1",
			TaskID:           "1",
			BlockingCategory: "lock",
			BlockingReason:   "space lock held",
			BlockingLocation: "Space.ResolveFault",
			Time:             1.5,
		}
		dataRecorder.EXPECT().InsertData("trace_milestones", milestone)

		t.AddMilestone(milestone)
	})
})
