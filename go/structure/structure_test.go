package structure

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/examio/paperflow/go/ocr"
	"github.com/stretchr/testify/require"
)

func block(label, content string, box [4]float64) ocr.Block {
	return ocr.Block{Label: label, BBox: box, Content: content}
}

func pageDoc(id string, blocks ...ocr.Block) *ocr.PageDoc {
	return &ocr.PageDoc{PageID: id, ImageWidth: 1000, ImageHeight: 1400, Blocks: blocks}
}

// fixtureExam is a four page paper: two plain sections, an explicit
// data-analysis part with two material groups, and a trailing end marker.
func fixtureExam() []*ocr.PageDoc {
	return []*ocr.PageDoc{
		pageDoc("page_1",
			block("header", "某省公务员录用考试行政职业能力测验试卷", [4]float64{100, 20, 900, 50}),
			block("title", "第一部分 常识判断", [4]float64{100, 60, 500, 110}),
			block("text", "1.下列关于太阳系的说法正确的是", [4]float64{100, 130, 900, 190}),
			block("text", "A.地球是中心 B.火星更大 C.金星自转特殊 D.水星无大气", [4]float64{120, 195, 900, 260}),
			block("text", "2.以下属于具体行政行为的是", [4]float64{100, 280, 900, 340}),
			block("text", "A.制定行政法规 B.对违章司机罚款", [4]float64{120, 345, 900, 410}),
		),
		pageDoc("page_2",
			block("footer", "第2页", [4]float64{450, 1350, 550, 1380}),
			block("text", "C.吊销营业执照 D.发布气象预报", [4]float64{120, 60, 900, 120}),
			block("text", "3.甲、乙两地相距120千米，两车相向而行几小时相遇", [4]float64{100, 140, 900, 200}),
			block("text", "A.1小时 B.2小时 C.3小时 D.4小时", [4]float64{120, 205, 900, 270}),
		),
		pageDoc("page_3",
			block("header", "行政职业能力测验", [4]float64{100, 20, 900, 50}),
			block("title", "第五部分 资料分析", [4]float64{100, 60, 500, 110}),
			block("text", "根据下列材料回答下面的题目。2023年全国粮食总产量69541万吨，比上年增长1.3%。", [4]float64{100, 130, 900, 300}),
			block("table", "2019-2023年全国粮食产量统计表", [4]float64{100, 310, 900, 560}),
			block("text", "111.2023年全国粮食总产量约为多少亿吨", [4]float64{100, 580, 900, 640}),
			block("text", "A.6.5 B.6.8 C.7.0 D.7.2", [4]float64{120, 645, 900, 700}),
			block("text", "112.与上年相比，2023年粮食产量约增长", [4]float64{100, 710, 900, 770}),
			block("text", "A.890万吨 B.900万吨 C.910万吨 D.920万吨", [4]float64{120, 775, 900, 830}),
			block("text", "113.2019年至2023年间粮食产量最高的年份是", [4]float64{100, 840, 900, 900}),
			block("text", "114.粮食产量同比增速最快的年份是", [4]float64{100, 910, 900, 970}),
			block("text", "115.能够从上述材料中推出的是", [4]float64{100, 980, 900, 1040}),
		),
		pageDoc("page_4",
			block("text", "根据下列材料回答下面的题目。某市2024年规模以上工业增加值比上年增长6.2%，其中高技术产业增长9.8%。", [4]float64{100, 100, 900, 600}),
			block("text", "116.2024年该市高技术产业增速比规模以上工业高多少个百分点", [4]float64{100, 620, 900, 680}),
			block("text", "A.3.6 B.3.8 C.4.0 D.4.2", [4]float64{120, 685, 900, 740}),
			block("text", "117.下列行业中增加值增速最快的是", [4]float64{100, 750, 900, 810}),
			block("text", "118.该市工业增加值总量约为", [4]float64{100, 820, 900, 880}),
			block("text", "119.若保持当前增速，次年高技术产业增速约为", [4]float64{100, 890, 900, 950}),
			block("text", "120.关于该市工业发展，下列说法正确的是", [4]float64{100, 960, 900, 1020}),
			block("text", "全部测验到此结束", [4]float64{300, 1100, 700, 1140}),
		),
	}
}

func renderDoc(doc *Doc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pages=%d data_analysis_start=%s\n", doc.TotalPages, doc.DataAnalysisStartPage)
	for _, q := range doc.Questions {
		var parent = q.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(&b, "question %s kind=%s qno=%d pages=%s boxes=%d parent=%s\n",
			q.ID, q.Kind, q.QNo, strings.Join(q.PageSpan, ","), len(q.BBoxes), parent)
	}
	for _, big := range doc.BigQuestions {
		fmt.Fprintf(&b, "big %s order=%d range=%d-%d subs=%s material_boxes=%d pages=%s\n",
			big.ID, big.Order, big.QNoRange[0], big.QNoRange[1],
			strings.Join(big.SubQuestionIDs, ","), len(big.MaterialBoxes), strings.Join(big.PageSpan, ","))
	}
	return b.String()
}

func TestDetectSnapshot(t *testing.T) {
	var doc, err = Detect(fixtureExam(), Config{})
	require.NoError(t, err)
	require.NoError(t, doc.Validate())

	// Case: the whole graph, including cross-page continuation of question
	// 2 and the inferred material regions of both big questions.
	cupaloy.SnapshotT(t, renderDoc(doc))
}

func TestDetectRetroactiveStart(t *testing.T) {
	// Case: no explicit section title anywhere, but a qno in the reserved
	// range opens the data-analysis region at its own page.
	var pages = []*ocr.PageDoc{
		pageDoc("page_1",
			block("text", "1.普通题目", [4]float64{100, 100, 900, 160}),
		),
		pageDoc("page_2",
			block("text", "统计材料：某地区年末常住人口500万人，比上年末增加12万人。", [4]float64{100, 100, 900, 620}),
			block("text", "111.该地区常住人口约为", [4]float64{100, 640, 900, 700}),
			block("text", "112.下列说法正确的是", [4]float64{100, 710, 900, 770}),
		),
	}
	var doc, err = Detect(pages, Config{})
	require.NoError(t, err)
	require.Equal(t, "page_2", doc.DataAnalysisStartPage)

	var q111 = doc.Questions[1]
	require.Equal(t, 111, q111.QNo)
	require.Equal(t, KindDataAnalysisSub, q111.Kind)
	require.Equal(t, KindNormal, doc.Questions[0].Kind)

	// The material block above the first sub is claimed by the group even
	// without a title to anchor the region start.
	require.Len(t, doc.BigQuestions, 1)
	var big = doc.BigQuestions[0]
	require.Equal(t, [2]int{111, 112}, big.QNoRange)
	require.Len(t, big.MaterialBoxes, 1)
	require.Equal(t, "page_2", big.MaterialBoxes[0].Page)
}

func TestDetectEndMarkerHalts(t *testing.T) {
	var pages = []*ocr.PageDoc{
		pageDoc("page_1",
			block("text", "1.第一题", [4]float64{100, 100, 900, 160}),
			block("text", "全部测验到此结束", [4]float64{300, 200, 700, 240}),
			block("text", "2.标记之后的题目", [4]float64{100, 300, 900, 360}),
		),
		pageDoc("page_2",
			block("text", "3.后续页面的题目", [4]float64{100, 100, 900, 160}),
		),
	}
	var doc, err = Detect(pages, Config{})
	require.NoError(t, err)

	// Case: blocks after the marker and all later pages are ignored.
	require.Len(t, doc.Questions, 1)
	require.Equal(t, 1, doc.Questions[0].QNo)
}

func TestDetectContinuationHeightCaps(t *testing.T) {
	var stem = block("text", "5.跨页的题目内容如下", [4]float64{100, 1200, 900, 1380})

	// Case: a short text block at the top of the next page continues the
	// question cut by the page break.
	var short = []*ocr.PageDoc{
		pageDoc("page_1", stem),
		pageDoc("page_2", block("text", "A.甲 B.乙 C.丙 D.丁", [4]float64{100, 60, 900, 160})),
	}
	var doc, err = Detect(short, Config{})
	require.NoError(t, err)
	require.Equal(t, []string{"page_1", "page_2"}, doc.Questions[0].PageSpan)

	// Case: a tall reading block exceeds the cap and is left behind.
	var tall = []*ocr.PageDoc{
		pageDoc("page_1", stem),
		pageDoc("page_2", block("text", "很长的阅读材料", [4]float64{100, 60, 900, 600})),
	}
	doc, err = Detect(tall, Config{})
	require.NoError(t, err)
	require.Equal(t, []string{"page_1"}, doc.Questions[0].PageSpan)

	// Case: a table group under the general cap is still held back by the
	// tighter visual cap; tall tables are shared material, not tails.
	var tallTable = []*ocr.PageDoc{
		pageDoc("page_1", stem),
		pageDoc("page_2", block("table", "数据表", [4]float64{100, 60, 900, 480})),
	}
	doc, err = Detect(tallTable, Config{})
	require.NoError(t, err)
	require.Equal(t, []string{"page_1"}, doc.Questions[0].PageSpan)

	// Case: a short table continues the question like any other tail.
	var shortTable = []*ocr.PageDoc{
		pageDoc("page_1", stem),
		pageDoc("page_2", block("table", "小表格", [4]float64{100, 60, 900, 360})),
	}
	doc, err = Detect(shortTable, Config{})
	require.NoError(t, err)
	require.Equal(t, []string{"page_1", "page_2"}, doc.Questions[0].PageSpan)
}

func TestDetectNonAdjacentCursorDrops(t *testing.T) {
	// Case: a page with no usable blocks breaks adjacency, so the cursor
	// does not leak across the gap.
	var pages = []*ocr.PageDoc{
		pageDoc("page_1", block("text", "7.跨页题目", [4]float64{100, 1200, 900, 1380})),
		pageDoc("page_2", block("header", "只有页眉", [4]float64{100, 20, 900, 50})),
		pageDoc("page_3", block("text", "孤立的延续文本", [4]float64{100, 60, 900, 120})),
	}
	var doc, err = Detect(pages, Config{})
	require.NoError(t, err)
	require.Equal(t, []string{"page_1"}, doc.Questions[0].PageSpan)
}

func TestValidateRejectsBrokenGraphs(t *testing.T) {
	var doc = &Doc{
		Questions: []*Question{
			{ID: "question_1", QNo: 111, Kind: KindDataAnalysisSub, ParentID: "data_analysis_1"},
			{ID: "question_2", QNo: 113, Kind: KindDataAnalysisSub, ParentID: "data_analysis_1"},
		},
		BigQuestions: []*BigQuestion{{
			ID:             "data_analysis_1",
			Order:          1,
			SubQuestionIDs: []string{"question_1", "question_2"},
			QNoRange:       [2]int{111, 113},
		}},
	}
	require.ErrorContains(t, doc.Validate(), "not contiguous")

	doc = &Doc{Questions: []*Question{{ID: "dup"}, {ID: "dup"}}}
	require.ErrorContains(t, doc.Validate(), "duplicate question id")

	doc = &Doc{Questions: []*Question{{ID: "question_1", ParentID: "missing"}}}
	require.ErrorContains(t, doc.Validate(), "unknown parent")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	var doc, err = Detect(fixtureExam(), Config{})
	require.NoError(t, err)

	var path = filepath.Join(t.TempDir(), FileName)
	require.NoError(t, doc.Save(path, true))

	var loaded *Doc
	loaded, err = Load(path)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	require.Equal(t, renderDoc(doc), renderDoc(loaded))

	// Indexes are rebuilt on load.
	var big = loaded.BigQuestions[0]
	var subs = loaded.ChildrenOf(big.ID)
	require.NotEmpty(t, subs)
	for _, id := range big.SubQuestionIDs {
		require.NotNil(t, loaded.QuestionByID(id))
	}
	require.True(t, loaded.InBigRange(113))
	require.False(t, loaded.InBigRange(3))

	// Normal questions exclude everything claimed by a big range.
	var normals = loaded.NormalQuestions()
	require.Len(t, normals, 3)
	for _, q := range normals {
		require.Equal(t, KindNormal, q.Kind)
	}
}
