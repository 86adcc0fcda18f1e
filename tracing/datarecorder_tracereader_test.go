package tracing

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/sarchlab/shiba/datarecording"
)

var _ = Describe("DataRecorderTraceReader", func() {
	var (
		mockCtrl   *gomock.Controller
		timeTeller *MockTimeTeller
		dbPath     string
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		timeTeller = NewMockTimeTeller(mockCtrl)

		dbPath = "test_trace_reader"
		os.Remove(dbPath + ".sqlite3")
	})

	AfterEach(func() {
		mockCtrl.Finish()
		os.Remove(dbPath + ".sqlite3")
	})

	It("should read back what the tracer writes", func() {
		recorder := datarecording.New(dbPath)
		tracer := NewDBTracer(timeTeller, recorder)

		timeTeller.EXPECT().CurrentTime().Return(0.0)
		tracer.EnableTracing()

		timeTeller.EXPECT().CurrentTime().Return(1.0)
		tracer.StartTask(Task{
			ID:       "1",
			Kind:     "fault",
			What:     "resolve",
			Location: "Kernel",
		})

		timeTeller.EXPECT().CurrentTime().Return(1.5)
		tracer.StartTask(Task{
			ID:       "2",
			ParentID: "1",
			Kind:     "walk",
			What:     "fill",
			Location: "PageTables",
		})

		timeTeller.EXPECT().CurrentTime().Return(2.0)
		tracer.EndTask(Task{ID: "2"})

		timeTeller.EXPECT().CurrentTime().Return(3.0)
		tracer.EndTask(Task{ID: "1"})

		timeTeller.EXPECT().CurrentTime().Return(4.0)
		tracer.StopTracingAtCurrentTime()

		err := recorder.Close()
		Expect(err).To(BeNil())

		reader := NewDataRecorderTraceReader(dbPath + ".sqlite3")
		defer reader.Close()

		sessions := reader.ListSessions()
		Expect(sessions).To(HaveLen(1))
		Expect(sessions[0].TableName).To(Equal("trace1"))
		Expect(sessions[0].StartTime).To(Equal(0.0))
		Expect(sessions[0].EndTime).To(Equal(4.0))

		locations := reader.ListLocations("trace1")
		Expect(locations).To(ConsistOf("Kernel", "PageTables"))

		tasks := reader.ListTasks(TaskQuery{Table: "trace1"})
		Expect(tasks).To(HaveLen(2))

		faults := reader.ListTasks(TaskQuery{Table: "trace1", Kind: "fault"})
		Expect(faults).To(HaveLen(1))
		Expect(faults[0].ID).To(Equal("1"))
		Expect(faults[0].What).To(Equal("resolve"))
		Expect(faults[0].StartTime).To(Equal(1.0))
		Expect(faults[0].EndTime).To(Equal(3.0))

		children := reader.ListTasks(TaskQuery{
			Table:            "trace1",
			ParentID:         "1",
			EnableParentTask: true,
		})
		Expect(children).To(HaveLen(1))
		Expect(children[0].ID).To(Equal("2"))
		Expect(children[0].ParentTask).NotTo(BeNil())
		Expect(children[0].ParentTask.ID).To(Equal("1"))
		Expect(children[0].ParentTask.Kind).To(Equal("fault"))

		ranged := reader.ListTasks(TaskQuery{
			Table:           "trace1",
			EnableTimeRange: true,
			StartTime:       0.0,
			EndTime:         1.2,
		})
		Expect(ranged).To(HaveLen(1))
		Expect(ranged[0].ID).To(Equal("1"))
	})
})
